package nanodb

import "testing"

func TestCursorProjection(t *testing.T) {
	ds := openTestStore(t)
	ds.Insert(Object(D{{Key: "name", Value: String("bob")}, {Key: "age", Value: Number(30)}}))

	results, err := ds.Find(Object(nil)).Projection(Object(D{{Key: "name", Value: Number(1)}})).Exec()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if _, ok := results[0].AsObject().Get("age"); ok {
		t.Error("expected age to be excluded by the pick projection")
	}
	if _, ok := results[0].AsObject().Get("name"); !ok {
		t.Error("expected name to survive the pick projection")
	}
}

func TestCursorCountIgnoresPagination(t *testing.T) {
	ds := openTestStore(t)
	for i := 0; i < 5; i++ {
		ds.Insert(Object(D{{Key: "n", Value: Number(float64(i))}}))
	}
	n, err := ds.Find(Object(nil)).Limit(2).Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected Count to ignore Limit, got %d", n)
	}
}

func TestCursorSkipPastEndReturnsEmpty(t *testing.T) {
	ds := openTestStore(t)
	ds.Insert(Object(D{{Key: "n", Value: Number(1)}}))
	results, err := ds.Find(Object(nil)).Skip(10).Exec()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result set, got %d", len(results))
	}
}
