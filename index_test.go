package nanodb

import "testing"

func docWithID(id string, fieldVal Value) Value {
	return Object(D{{Key: "_id", Value: String(id)}, {Key: "age", Value: fieldVal}})
}

func TestIndexInsertAndGetMatching(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age"}, nil)
	if err := idx.Insert(docWithID("1", Number(30))); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(docWithID("2", Number(30))); err != nil {
		t.Fatal(err)
	}
	ids := idx.GetMatching(Number(30))
	if len(ids) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(ids))
	}
}

func TestIndexUniqueViolation(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age", Unique: true}, nil)
	if err := idx.Insert(docWithID("1", Number(30))); err != nil {
		t.Fatal(err)
	}
	err := idx.Insert(docWithID("2", Number(30)))
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected the rejected insert to leave no trace, got len %d", idx.Len())
	}
}

func TestIndexUniqueAllOrNothingAcrossArrayElements(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "tags", Unique: true}, nil)
	mk := func(id string, tags ...string) Value {
		arr := make([]Value, len(tags))
		for i, tg := range tags {
			arr[i] = String(tg)
		}
		return Object(D{{Key: "_id", Value: String(id)}, {Key: "tags", Value: Array(arr)}})
	}
	if err := idx.Insert(mk("1", "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(mk("2", "c", "b")); err == nil {
		t.Fatal("expected collision on shared tag b")
	}
	if len(idx.KeysOf("2")) != 0 {
		t.Fatal("expected no partial trace of the rejected document")
	}
	if len(idx.KeysOf("1")) != 2 {
		t.Fatal("expected the first document's keys to remain intact")
	}
}

func TestIndexSparseSkipsMissingField(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age", Sparse: true}, nil)
	withoutAge := Object(D{{Key: "_id", Value: String("1")}})
	if err := idx.Insert(withoutAge); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected sparse index to skip the missing field, got len %d", idx.Len())
	}
}

func TestIndexRemoveAndUpdate(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age"}, nil)
	oldDoc := docWithID("1", Number(30))
	if err := idx.Insert(oldDoc); err != nil {
		t.Fatal(err)
	}
	newDoc := docWithID("1", Number(40))
	if err := idx.Update(oldDoc, newDoc); err != nil {
		t.Fatal(err)
	}
	if len(idx.GetMatching(Number(30))) != 0 {
		t.Error("expected old key to be gone")
	}
	if len(idx.GetMatching(Number(40))) != 1 {
		t.Error("expected new key to be indexed")
	}
}

func TestIndexUpdateRestoresOldOnViolation(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age", Unique: true}, nil)
	doc1 := docWithID("1", Number(10))
	doc2 := docWithID("2", Number(20))
	if err := idx.Insert(doc1); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(doc2); err != nil {
		t.Fatal(err)
	}
	conflicting := docWithID("2", Number(10))
	if err := idx.Update(doc2, conflicting); err == nil {
		t.Fatal("expected unique violation on update")
	}
	if len(idx.GetMatching(Number(20))) != 1 {
		t.Error("expected doc2's original key to be restored after failed update")
	}
}

func TestIndexRange(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "age"}, nil)
	for i, age := range []float64{10, 20, 30, 40, 50} {
		if err := idx.Insert(docWithID(string(rune('a'+i)), Number(age))); err != nil {
			t.Fatal(err)
		}
	}
	ids := idx.Range(Number(20), true, true, Number(40), true, false)
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids in [20,40), got %d", len(ids))
	}
}

func TestIndexExpiredIDs(t *testing.T) {
	idx := NewIndex(IndexOptions{FieldName: "expireAt", HasTTL: true, ExpireAfterSeconds: 10}, nil)
	doc := Object(D{{Key: "_id", Value: String("1")}, {Key: "expireAt", Value: Date(1000)}})
	if err := idx.Insert(doc); err != nil {
		t.Fatal(err)
	}
	if ids := idx.ExpiredIDs(1000 + 10*1000 - 1); len(ids) != 0 {
		t.Error("expected not yet expired")
	}
	if ids := idx.ExpiredIDs(1000 + 10*1000); len(ids) != 1 {
		t.Error("expected expired at the deadline")
	}
}

func TestCanonicalKeyStringDistinguishesDateAndArray(t *testing.T) {
	dateKey := canonicalKeyString(Date(5))
	arrayKey := canonicalKeyString(Array([]Value{Number(5)}))
	if dateKey == arrayKey {
		t.Error("date and array canonical keys must never collide")
	}
}
