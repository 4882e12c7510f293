package geo

import "testing"

func TestBoxFromCenterIsSquareAroundPoint(t *testing.T) {
	b := BoxFromCenter(40.0, -100.0, 50.0)
	if !b.Contains(40.0, -100.0) {
		t.Fatalf("box %+v does not contain its own center", b)
	}
	if !ValidBoundingBox(b) {
		t.Fatalf("box %+v should be valid", b)
	}
}

func TestKmToDegreesLonClampsNearPole(t *testing.T) {
	b := BoxFromCenter(89.999, 0, 100)
	if b.East-b.West > 360.0001 {
		t.Fatalf("expected longitude span to clamp near pole, got %+v", b)
	}
}

func TestValidCoordinates(t *testing.T) {
	if !ValidCoordinates(90, 180) || !ValidCoordinates(-90, -180) {
		t.Fatal("boundary coordinates should be valid")
	}
	if ValidCoordinates(91, 0) || ValidCoordinates(0, 181) {
		t.Fatal("out-of-range coordinates should be invalid")
	}
}

func TestHaversineDistanceZeroForSamePoint(t *testing.T) {
	if d := HaversineDistanceKm(10, 10, 10, 10); d != 0 {
		t.Fatalf("expected 0 distance, got %v", d)
	}
}
