package nanodb

import (
	"testing"

	gc "gopkg.in/check.v1"
)

func TestQuery(t *testing.T) { gc.TestingT(t) }

type QuerySuite struct{}

var _ = gc.Suite(&QuerySuite{})

func doc(pairs ...Pair) Value { return Object(D(pairs)) }

func (s *QuerySuite) TestMatchEquality(c *gc.C) {
	d := doc(Pair{Key: "name", Value: String("bob")}, Pair{Key: "age", Value: Number(30)})

	cases := []struct {
		query Value
		want  bool
	}{
		{doc(Pair{Key: "name", Value: String("bob")}), true},
		{doc(Pair{Key: "name", Value: String("alice")}), false},
		{doc(Pair{Key: "age", Value: Number(30)}), true},
		{doc(Pair{Key: "age", Value: Number(31)}), false},
	}
	for _, tc := range cases {
		ok, err := Match(d, tc.query)
		c.Assert(err, gc.IsNil)
		c.Check(ok, gc.Equals, tc.want, gc.Commentf("query %v", tc.query))
	}
}

func (s *QuerySuite) TestMatchOperators(c *gc.C) {
	d := doc(Pair{Key: "age", Value: Number(30)})

	cases := []struct {
		op   string
		arg  Value
		want bool
	}{
		{"$lt", Number(31), true},
		{"$lt", Number(30), false},
		{"$lte", Number(30), true},
		{"$gt", Number(29), true},
		{"$gte", Number(30), true},
		{"$ne", Number(31), true},
		{"$ne", Number(30), false},
		{"$in", Array([]Value{Number(30), Number(40)}), true},
		{"$nin", Array([]Value{Number(40)}), true},
		{"$exists", Bool(true), true},
	}
	for _, tc := range cases {
		query := doc(Pair{Key: "age", Value: Object(D{{Key: tc.op, Value: tc.arg}})})
		ok, err := Match(d, query)
		c.Assert(err, gc.IsNil)
		c.Check(ok, gc.Equals, tc.want, gc.Commentf("op %s", tc.op))
	}
}

func (s *QuerySuite) TestMatchImplicitAnyOfArrays(c *gc.C) {
	d := doc(Pair{Key: "tags", Value: Array([]Value{String("a"), String("b")})})
	ok, err := Match(d, doc(Pair{Key: "tags", Value: String("b")}))
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)
}

func (s *QuerySuite) TestMatchSizeAndElemMatchSuppressAnyOf(c *gc.C) {
	d := doc(Pair{Key: "tags", Value: Array([]Value{String("a"), String("b")})})
	ok, err := Match(d, doc(Pair{Key: "tags", Value: Object(D{{Key: "$size", Value: Number(2)}})}))
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)

	ok, err = Match(d, doc(Pair{Key: "tags", Value: Object(D{{Key: "$elemMatch", Value: String("a")}})}))
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)
}

func (s *QuerySuite) TestMatchLogicalOperators(c *gc.C) {
	d := doc(Pair{Key: "age", Value: Number(30)})

	and := doc(Pair{Key: "$and", Value: Array([]Value{
		doc(Pair{Key: "age", Value: Object(D{{Key: "$gt", Value: Number(10)}})}),
		doc(Pair{Key: "age", Value: Object(D{{Key: "$lt", Value: Number(40)}})}),
	})})
	ok, err := Match(d, and)
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)

	not := doc(Pair{Key: "$not", Value: doc(Pair{Key: "age", Value: Number(30)})})
	ok, err = Match(d, not)
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, false)
}

func (s *QuerySuite) TestMatchWhere(c *gc.C) {
	d := doc(Pair{Key: "age", Value: Number(30)})
	pred := WhereFunc(func(doc Value) (bool, error) {
		return GetDotValue(doc, "age").AsNumber() > 20, nil
	})
	ok, err := Match(d, doc(Pair{Key: "$where", Value: Value{kind: KindFunc, fn: pred}}))
	c.Assert(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)
}

func (s *QuerySuite) TestMatchRejectsMixedOperatorAndLiteral(c *gc.C) {
	d := doc(Pair{Key: "age", Value: Number(30)})
	bad := doc(Pair{Key: "age", Value: Object(D{
		{Key: "$gt", Value: Number(1)},
		{Key: "literal", Value: Number(2)},
	})})
	_, err := Match(d, bad)
	c.Assert(err, gc.NotNil)
}

func (s *QuerySuite) TestModifySet(c *gc.C) {
	d := doc(Pair{Key: "_id", Value: String("x")}, Pair{Key: "a", Value: Number(1)})
	out, err := Modify(d, doc(Pair{Key: "$set", Value: doc(Pair{Key: "a", Value: Number(2)}, Pair{Key: "b.c", Value: Number(3)})}))
	c.Assert(err, gc.IsNil)
	av, _ := out.AsObject().Get("a")
	c.Check(av.AsNumber(), gc.Equals, float64(2))
	c.Check(GetDotValue(out, "b.c").AsNumber(), gc.Equals, float64(3))
}

func (s *QuerySuite) TestModifyRejectsIDChange(c *gc.C) {
	d := doc(Pair{Key: "_id", Value: String("x")})
	_, err := Modify(d, doc(Pair{Key: "$set", Value: doc(Pair{Key: "_id", Value: String("y")})}))
	c.Assert(err, gc.Equals, ErrImmutableID)
}

func (s *QuerySuite) TestModifyInc(c *gc.C) {
	d := doc(Pair{Key: "count", Value: Number(1)})
	out, err := Modify(d, doc(Pair{Key: "$inc", Value: doc(Pair{Key: "count", Value: Number(5)})}))
	c.Assert(err, gc.IsNil)
	cv, _ := out.AsObject().Get("count")
	c.Check(cv.AsNumber(), gc.Equals, float64(6))
}

func (s *QuerySuite) TestModifyPushAddToSetPop(c *gc.C) {
	d := doc(Pair{Key: "tags", Value: Array([]Value{String("a")})})

	out, err := Modify(d, doc(Pair{Key: "$push", Value: doc(Pair{Key: "tags", Value: String("b")})}))
	c.Assert(err, gc.IsNil)
	tv, _ := out.AsObject().Get("tags")
	c.Check(len(tv.AsArray()), gc.Equals, 2)

	out, err = Modify(out, doc(Pair{Key: "$addToSet", Value: doc(Pair{Key: "tags", Value: String("a")})}))
	c.Assert(err, gc.IsNil)
	tv, _ = out.AsObject().Get("tags")
	c.Check(len(tv.AsArray()), gc.Equals, 2, gc.Commentf("addToSet must not duplicate"))

	out, err = Modify(out, doc(Pair{Key: "$pop", Value: doc(Pair{Key: "tags", Value: Number(1)})}))
	c.Assert(err, gc.IsNil)
	tv, _ = out.AsObject().Get("tags")
	c.Check(len(tv.AsArray()), gc.Equals, 1)
}

func (s *QuerySuite) TestModifyPull(c *gc.C) {
	d := doc(Pair{Key: "tags", Value: Array([]Value{String("a"), String("b"), String("c")})})
	out, err := Modify(d, doc(Pair{Key: "$pull", Value: doc(Pair{Key: "tags", Value: String("b")})}))
	c.Assert(err, gc.IsNil)
	tv, _ := out.AsObject().Get("tags")
	c.Check(len(tv.AsArray()), gc.Equals, 2)
}

func (s *QuerySuite) TestApplyProjectionPickAndOmit(c *gc.C) {
	d := doc(Pair{Key: "_id", Value: String("x")}, Pair{Key: "a", Value: Number(1)}, Pair{Key: "b", Value: Number(2)})

	picked, err := ApplyProjection(d, doc(Pair{Key: "a", Value: Number(1)}))
	c.Assert(err, gc.IsNil)
	_, hasB := picked.AsObject().Get("b")
	c.Check(hasB, gc.Equals, false)
	_, hasID := picked.AsObject().Get("_id")
	c.Check(hasID, gc.Equals, true)

	omitted, err := ApplyProjection(d, doc(Pair{Key: "a", Value: Number(0)}))
	c.Assert(err, gc.IsNil)
	_, hasA := omitted.AsObject().Get("a")
	c.Check(hasA, gc.Equals, false)
	_, hasB2 := omitted.AsObject().Get("b")
	c.Check(hasB2, gc.Equals, true)
}

func (s *QuerySuite) TestApplyProjectionRejectsMixing(c *gc.C) {
	d := doc(Pair{Key: "a", Value: Number(1)}, Pair{Key: "b", Value: Number(2)})
	_, err := ApplyProjection(d, doc(Pair{Key: "a", Value: Number(1)}, Pair{Key: "b", Value: Number(0)}))
	c.Assert(err, gc.NotNil)
}
