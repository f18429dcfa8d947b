package geo

import "testing"

func TestPrecisionForZoom(t *testing.T) {
	tests := []struct {
		zoom int
		want uint
	}{
		{0, 3},
		{6, 3},
		{7, 4},
		{9, 4},
		{10, 5},
		{12, 5},
		{13, 6},
		{15, 6},
		{16, 7},
		{22, 7},
	}
	for _, tt := range tests {
		if got := PrecisionForZoom(tt.zoom); got != tt.want {
			t.Errorf("PrecisionForZoom(%d) = %d, want %d", tt.zoom, got, tt.want)
		}
	}
}

func TestBoundingBoxValidate(t *testing.T) {
	valid := BoundingBox{MinLat: -34, MinLng: 150, MaxLat: -33, MaxLng: 152}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid box rejected: %v", err)
	}

	// Crossing the antimeridian is valid, not malformed.
	wrapping := BoundingBox{MinLat: -10, MinLng: 170, MaxLat: 10, MaxLng: -170}
	if err := wrapping.Validate(); err != nil {
		t.Fatalf("antimeridian box rejected: %v", err)
	}

	invalid := []BoundingBox{
		{MinLat: 10, MinLng: 0, MaxLat: -10, MaxLng: 10},  // min lat above max
		{MinLat: -95, MinLng: 0, MaxLat: 0, MaxLng: 10},   // lat out of range
		{MinLat: 0, MinLng: -200, MaxLat: 10, MaxLng: 10}, // lng out of range
	}
	for _, b := range invalid {
		if err := b.Validate(); err == nil {
			t.Errorf("box %+v accepted, want error", b)
		}
	}
}

func TestBoundingBoxAntimeridian(t *testing.T) {
	b := BoundingBox{MinLat: -10, MinLng: 170, MaxLat: 10, MaxLng: -170}
	if !b.CrossesAntimeridian() {
		t.Fatal("box should cross the antimeridian")
	}

	boxes := b.Split()
	if len(boxes) != 2 {
		t.Fatalf("Split returned %d boxes, want 2", len(boxes))
	}
	if boxes[0].MaxLng != 180 || boxes[1].MinLng != -180 {
		t.Errorf("split boxes do not meet at the antimeridian: %+v", boxes)
	}

	// Points on both sides of the wrap are inside, points outside are not.
	for _, p := range []Point{{Lat: 0, Lng: 175}, {Lat: 0, Lng: -175}, {Lat: 0, Lng: 180}} {
		if !b.Contains(p) {
			t.Errorf("point %+v should be inside wrapping box", p)
		}
	}
	if b.Contains(Point{Lat: 0, Lng: 0}) {
		t.Error("point at lng 0 should be outside wrapping box")
	}
}

func TestBoundingBoxExtend(t *testing.T) {
	var b BoundingBox
	b = b.Extend(Point{Lat: -33.86, Lng: 151.20})
	if b.MinLat != -33.86 || b.MaxLat != -33.86 {
		t.Fatalf("zero box should adopt the first point, got %+v", b)
	}

	b = b.Extend(Point{Lat: -37.81, Lng: 144.96})
	if b.MinLat != -37.81 || b.MaxLat != -33.86 || b.MinLng != 144.96 || b.MaxLng != 151.20 {
		t.Errorf("extended box wrong: %+v", b)
	}
}

func TestCentroid(t *testing.T) {
	if got := Centroid(nil); got != (Point{}) {
		t.Errorf("empty centroid = %+v, want zero point", got)
	}

	points := []Point{{Lat: 0, Lng: 0}, {Lat: 10, Lng: 20}}
	got := Centroid(points)
	if got.Lat != 5 || got.Lng != 10 {
		t.Errorf("Centroid = %+v, want (5, 10)", got)
	}
}

func TestCellPrefixNesting(t *testing.T) {
	p := Point{Lat: -33.8688, Lng: 151.2093}

	// A finer cell is always prefixed by the coarser cell containing it.
	coarse := Cell(p, 4)
	fine := Cell(p, 7)
	if fine[:4] != coarse {
		t.Errorf("cell %q is not nested under %q", fine, coarse)
	}

	if got := len(Cell(p, 5)); got != 5 {
		t.Errorf("precision-5 cell has length %d", got)
	}
}
