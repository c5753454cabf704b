// query.go - the in-memory matcher, update modifiers and projection builder
// (spec.md §4.3). There is no prior Go implementation of a Mongo-style
// matcher in the retrieved pack (the teacher delegates matching to a real
// server over the wire driver); the operator vocabulary dispatched here
// mirrors what the teacher's own filters pass straight through untouched in
// modern_query.go/modern_collection.go (convertMGOToOfficial special-cases
// $or/$and slices without interpreting them).
package nanodb

import (
	"regexp"
	"strings"
)

// Match reports whether doc satisfies query, per the matcher of spec.md §4.3.
func Match(doc, query Value) (bool, error) {
	if doc.IsPrimitive() && query.IsPrimitive() {
		return Equal(doc, query), nil
	}
	if query.Kind() != KindObject {
		return Equal(doc, query), nil
	}
	for _, p := range query.AsObject() {
		if isLogicalOperator(p.Key) {
			ok, err := matchLogical(doc, p.Key, p.Value)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			continue
		}
		fieldVal := GetDotValue(doc, p.Key)
		ok, err := matchField(fieldVal, p.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func isLogicalOperator(key string) bool {
	switch key {
	case "$and", "$or", "$not", "$where":
		return true
	default:
		return false
	}
}

func matchLogical(doc Value, key string, arg Value) (bool, error) {
	switch key {
	case "$and":
		if arg.Kind() != KindArray {
			return false, &ModifierError{Op: "$and", Reason: "requires an array of subqueries"}
		}
		for _, sub := range arg.AsArray() {
			ok, err := Match(doc, sub)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "$or":
		if arg.Kind() != KindArray {
			return false, &ModifierError{Op: "$or", Reason: "requires an array of subqueries"}
		}
		for _, sub := range arg.AsArray() {
			ok, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "$not":
		ok, err := Match(doc, arg)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case "$where":
		if arg.Kind() != KindFunc {
			return false, &ModifierError{Op: "$where", Reason: "requires a predicate function"}
		}
		return arg.AsFunc()(doc)
	default:
		return false, &ModifierError{Op: key, Reason: "unknown logical operator"}
	}
}

// matchField matches one field's resolved value against a single query
// value, which is either a literal (equality), an object of $-operators, or
// (when fieldVal is an array and the query is not array-typed) handled by
// the implicit any-of rule first.
func matchField(fieldVal, qval Value) (bool, error) {
	if fieldVal.Kind() == KindArray && !isArrayTypedQuery(qval) {
		for _, elem := range fieldVal.AsArray() {
			ok, err := matchField(elem, qval)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if qval.Kind() == KindObject {
		hasOp, hasLit := false, false
		for _, p := range qval.AsObject() {
			if strings.HasPrefix(p.Key, "$") {
				hasOp = true
			} else {
				hasLit = true
			}
		}
		if hasOp && hasLit {
			return false, &ModifierError{Op: "query", Reason: "cannot mix operator and literal keys in a field query"}
		}
		if hasOp {
			for _, p := range qval.AsObject() {
				ok, err := evalOperator(fieldVal, p.Key, p.Value)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		}
	}
	return Equal(fieldVal, qval), nil
}

// isArrayTypedQuery reports whether qval is itself meant to be compared
// against an array wholesale, which suppresses the implicit any-of rule.
func isArrayTypedQuery(qval Value) bool {
	if qval.Kind() == KindArray {
		return true
	}
	if qval.Kind() == KindObject {
		for _, p := range qval.AsObject() {
			if p.Key == "$size" || p.Key == "$elemMatch" {
				return true
			}
		}
	}
	return false
}

func isIncomparable(a, b Value) bool {
	if a.Kind() == KindNumber && a.AsNumber() != a.AsNumber() {
		return true
	}
	if b.Kind() == KindNumber && b.AsNumber() != b.AsNumber() {
		return true
	}
	return false
}

func evalOperator(fieldVal Value, op string, arg Value) (bool, error) {
	switch op {
	case "$lt":
		if isIncomparable(fieldVal, arg) {
			return false, nil
		}
		return Compare(fieldVal, arg) < 0, nil
	case "$lte":
		if isIncomparable(fieldVal, arg) {
			return false, nil
		}
		return Compare(fieldVal, arg) <= 0, nil
	case "$gt":
		if isIncomparable(fieldVal, arg) {
			return false, nil
		}
		return Compare(fieldVal, arg) > 0, nil
	case "$gte":
		if isIncomparable(fieldVal, arg) {
			return false, nil
		}
		return Compare(fieldVal, arg) >= 0, nil
	case "$ne":
		return !Equal(fieldVal, arg), nil
	case "$in":
		if arg.Kind() != KindArray {
			return false, &ModifierError{Op: "$in", Reason: "requires an array"}
		}
		for _, item := range arg.AsArray() {
			if Equal(fieldVal, item) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		if arg.Kind() != KindArray {
			return false, &ModifierError{Op: "$nin", Reason: "requires an array"}
		}
		for _, item := range arg.AsArray() {
			if Equal(fieldVal, item) {
				return false, nil
			}
		}
		return true, nil
	case "$regex":
		if fieldVal.Kind() != KindString {
			return false, nil
		}
		pattern := arg.AsString()
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &ModifierError{Op: "$regex", Reason: err.Error()}
		}
		return re.MatchString(fieldVal.AsString()), nil
	case "$exists":
		want := isTruthy(arg)
		exists := fieldVal.Kind() != KindUndefined
		return exists == want, nil
	case "$size":
		if fieldVal.Kind() != KindArray {
			return false, nil
		}
		if arg.Kind() != KindNumber {
			return false, &ModifierError{Op: "$size", Reason: "requires a number"}
		}
		return float64(len(fieldVal.AsArray())) == arg.AsNumber(), nil
	case "$elemMatch":
		if fieldVal.Kind() != KindArray {
			return false, nil
		}
		for _, elem := range fieldVal.AsArray() {
			ok, err := Match(elem, arg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &ModifierError{Op: op, Reason: "unknown operator"}
	}
}

// isTruthy implements JS-style truthiness for $exists and projection flags:
// 0, "", false, null and undefined are falsy, everything else is truthy.
func isTruthy(v Value) bool {
	switch v.Kind() {
	case KindUndefined, KindNull:
		return false
	case KindBool:
		return v.AsBool()
	case KindNumber:
		return v.AsNumber() != 0
	case KindString:
		return v.AsString() != ""
	default:
		return true
	}
}

// --- update modifiers (spec.md §4.3) ---

// Modify applies an update query to doc and returns the resulting document.
// If updateQuery has no $-prefixed top-level keys it is a whole-document
// replacement (the old _id is preserved); otherwise it is a set of
// modifiers, which may not be mixed with literal top-level keys.
func Modify(doc, updateQuery Value) (Value, error) {
	if updateQuery.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "update", Reason: "update query must be an object"}
	}
	hasMod, hasLit := false, false
	for _, p := range updateQuery.AsObject() {
		if strings.HasPrefix(p.Key, "$") {
			hasMod = true
		} else {
			hasLit = true
		}
	}
	if hasMod && hasLit {
		return Value{}, &ModifierError{Op: "update", Reason: "cannot mix modifiers and literal keys"}
	}
	if !hasMod {
		return replaceDocument(doc, updateQuery)
	}
	return applyModifiers(doc, updateQuery)
}

func replaceDocument(doc, updateQuery Value) (Value, error) {
	oldID, hasOld := recordID(doc)
	newDoc := DeepCopy(updateQuery, false)
	if newID, ok := recordID(newDoc); ok && hasOld && newID != oldID {
		return Value{}, ErrImmutableID
	}
	obj := newDoc.AsObject()
	if hasOld {
		obj = obj.Set("_id", String(oldID))
	}
	return Object(obj), nil
}

func applyModifiers(doc, updateQuery Value) (Value, error) {
	working := DeepCopy(doc, false)
	oldID, hasOld := recordID(doc)
	var err error
	for _, p := range updateQuery.AsObject() {
		switch p.Key {
		case "$set":
			working, err = applySet(working, p.Value)
		case "$unset":
			working, err = applyUnset(working, p.Value)
		case "$inc":
			working, err = applyInc(working, p.Value)
		case "$min":
			working, err = applyMinMax(working, p.Value, true)
		case "$max":
			working, err = applyMinMax(working, p.Value, false)
		case "$push":
			working, err = applyPush(working, p.Value)
		case "$addToSet":
			working, err = applyAddToSet(working, p.Value)
		case "$pop":
			working, err = applyPop(working, p.Value)
		case "$pull":
			working, err = applyPull(working, p.Value)
		default:
			err = &ModifierError{Op: p.Key, Reason: "unknown modifier"}
		}
		if err != nil {
			return Value{}, err
		}
	}
	if newID, ok := recordID(working); hasOld && (!ok || newID != oldID) {
		return Value{}, ErrImmutableID
	}
	return working, nil
}

func splitPath(path string) []string { return strings.Split(path, ".") }

// setPath returns a copy of v with the dot-path segments set to val,
// auto-creating intermediate objects.
func setPath(v Value, segments []string, val Value) (Value, error) {
	if len(segments) == 0 {
		return val, nil
	}
	var obj D
	switch v.Kind() {
	case KindObject:
		obj = append(D(nil), v.AsObject()...)
	case KindUndefined:
		obj = nil
	default:
		return Value{}, &ModifierError{Op: "update", Reason: "cannot set a field inside a non-object value"}
	}
	if len(segments) == 1 {
		obj = obj.Set(segments[0], val)
		return Object(obj), nil
	}
	child, ok := obj.Get(segments[0])
	if !ok {
		child = Undefined()
	}
	newChild, err := setPath(child, segments[1:], val)
	if err != nil {
		return Value{}, err
	}
	obj = obj.Set(segments[0], newChild)
	return Object(obj), nil
}

// deletePath returns a copy of v with the dot-path segment removed; it is a
// no-op if any intermediate segment is missing.
func deletePath(v Value, segments []string) Value {
	if v.Kind() != KindObject || len(segments) == 0 {
		return v
	}
	obj := append(D(nil), v.AsObject()...)
	if len(segments) == 1 {
		return Object(obj.Delete(segments[0]))
	}
	child, ok := obj.Get(segments[0])
	if !ok {
		return v
	}
	obj = obj.Set(segments[0], deletePath(child, segments[1:]))
	return Object(obj)
}

func applySet(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$set", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		for _, seg := range splitPath(kv.Key) {
			if err := ValidateKey(seg); err != nil {
				return Value{}, err
			}
		}
		working, err = setPath(working, splitPath(kv.Key), kv.Value)
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

func applyUnset(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$unset", Reason: "requires an object"}
	}
	for _, kv := range body.AsObject() {
		if kv.Key == "_id" {
			return Value{}, ErrImmutableID
		}
		working = deletePath(working, splitPath(kv.Key))
	}
	return working, nil
}

func applyInc(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$inc", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		if kv.Value.Kind() != KindNumber {
			return Value{}, &ModifierError{Op: "$inc", Reason: "increment amount must be a number"}
		}
		cur := GetDotValue(working, kv.Key)
		var newVal Value
		switch cur.Kind() {
		case KindUndefined:
			newVal = kv.Value
		case KindNumber:
			newVal = Number(cur.AsNumber() + kv.Value.AsNumber())
		default:
			return Value{}, &ModifierError{Op: "$inc", Reason: "target field is not a number"}
		}
		working, err = setPath(working, splitPath(kv.Key), newVal)
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

func applyMinMax(working, body Value, isMin bool) (Value, error) {
	op := "$max"
	if isMin {
		op = "$min"
	}
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: op, Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		cur := GetDotValue(working, kv.Key)
		replace := cur.Kind() == KindUndefined
		if !replace {
			c := Compare(kv.Value, cur)
			if isMin {
				replace = c < 0
			} else {
				replace = c > 0
			}
		}
		if replace {
			working, err = setPath(working, splitPath(kv.Key), kv.Value)
			if err != nil {
				return Value{}, err
			}
		}
	}
	return working, nil
}

func sliceKeep(arr []Value, n int) []Value {
	if n >= 0 {
		if n < len(arr) {
			return arr[:n]
		}
		return arr
	}
	k := -n
	if k < len(arr) {
		return append([]Value(nil), arr[len(arr)-k:]...)
	}
	return arr
}

func applyPush(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$push", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		cur := GetDotValue(working, kv.Key)
		var arr []Value
		switch cur.Kind() {
		case KindArray:
			arr = append([]Value(nil), cur.AsArray()...)
		case KindUndefined:
			arr = nil
		default:
			return Value{}, &ModifierError{Op: "$push", Reason: "target is not an array"}
		}
		if kv.Value.Kind() == KindObject {
			if eachVal, ok := kv.Value.AsObject().Get("$each"); ok {
				if eachVal.Kind() != KindArray {
					return Value{}, &ModifierError{Op: "$push", Reason: "$each requires an array"}
				}
				arr = append(arr, eachVal.AsArray()...)
				if sliceVal, ok := kv.Value.AsObject().Get("$slice"); ok {
					if sliceVal.Kind() != KindNumber {
						return Value{}, &ModifierError{Op: "$push", Reason: "$slice requires a number"}
					}
					arr = sliceKeep(arr, int(sliceVal.AsNumber()))
				}
			} else {
				arr = append(arr, kv.Value)
			}
		} else {
			arr = append(arr, kv.Value)
		}
		working, err = setPath(working, splitPath(kv.Key), Array(arr))
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

func applyAddToSet(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$addToSet", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		cur := GetDotValue(working, kv.Key)
		var arr []Value
		switch cur.Kind() {
		case KindArray:
			arr = append([]Value(nil), cur.AsArray()...)
		case KindUndefined:
			arr = nil
		default:
			return Value{}, &ModifierError{Op: "$addToSet", Reason: "target is not an array"}
		}
		var toAdd []Value
		if kv.Value.Kind() == KindObject {
			if eachVal, ok := kv.Value.AsObject().Get("$each"); ok {
				if eachVal.Kind() != KindArray {
					return Value{}, &ModifierError{Op: "$addToSet", Reason: "$each requires an array"}
				}
				toAdd = eachVal.AsArray()
			} else {
				toAdd = []Value{kv.Value}
			}
		} else {
			toAdd = []Value{kv.Value}
		}
		for _, item := range toAdd {
			found := false
			for _, existing := range arr {
				if Equal(existing, item) {
					found = true
					break
				}
			}
			if !found {
				arr = append(arr, item)
			}
		}
		working, err = setPath(working, splitPath(kv.Key), Array(arr))
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

func applyPop(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$pop", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		if kv.Value.Kind() != KindNumber {
			return Value{}, &ModifierError{Op: "$pop", Reason: "requires 1 or -1"}
		}
		cur := GetDotValue(working, kv.Key)
		if cur.Kind() != KindArray || len(cur.AsArray()) == 0 {
			continue
		}
		arr := append([]Value(nil), cur.AsArray()...)
		if kv.Value.AsNumber() >= 0 {
			arr = arr[:len(arr)-1]
		} else {
			arr = arr[1:]
		}
		working, err = setPath(working, splitPath(kv.Key), Array(arr))
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

func applyPull(working, body Value) (Value, error) {
	if body.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "$pull", Reason: "requires an object"}
	}
	var err error
	for _, kv := range body.AsObject() {
		cur := GetDotValue(working, kv.Key)
		if cur.Kind() != KindArray {
			continue
		}
		var kept []Value
		for _, elem := range cur.AsArray() {
			ok, merr := matchField(elem, kv.Value)
			if merr != nil {
				return Value{}, merr
			}
			if !ok {
				kept = append(kept, elem)
			}
		}
		working, err = setPath(working, splitPath(kv.Key), Array(kept))
		if err != nil {
			return Value{}, err
		}
	}
	return working, nil
}

// --- projection (spec.md §4.3) ---

// ApplyProjection builds the returned shape of doc per projection: all-1
// (pick) or all-0 (omit), with _id independently controllable and included
// by default. Mixing inclusion and exclusion (other than on _id) is
// rejected.
func ApplyProjection(doc, projection Value) (Value, error) {
	if projection.Kind() != KindObject || len(projection.AsObject()) == 0 {
		return doc, nil
	}
	includeID := true
	pickMode, omitMode := false, false
	var fields D
	for _, p := range projection.AsObject() {
		if p.Key == "_id" {
			includeID = isTruthy(p.Value)
			continue
		}
		fields = append(fields, p)
		if isTruthy(p.Value) {
			pickMode = true
		} else {
			omitMode = true
		}
	}
	if pickMode && omitMode {
		return Value{}, &ModifierError{Op: "projection", Reason: "cannot mix inclusion and exclusion"}
	}
	if len(fields) == 0 {
		if includeID {
			return doc, nil
		}
		return deletePath(doc, []string{"_id"}), nil
	}
	if pickMode {
		out := Object(nil)
		if includeID {
			if idv, ok := doc.AsObject().Get("_id"); ok {
				obj := out.AsObject().Set("_id", idv)
				out = Object(obj)
			}
		}
		var err error
		for _, p := range fields {
			v := GetDotValue(doc, p.Key)
			if v.Kind() == KindUndefined {
				continue
			}
			out, err = setPath(out, splitPath(p.Key), v)
			if err != nil {
				return Value{}, err
			}
		}
		return out, nil
	}
	out := DeepCopy(doc, false)
	for _, p := range fields {
		out = deletePath(out, splitPath(p.Key))
	}
	if !includeID {
		out = deletePath(out, []string{"_id"})
	}
	return out, nil
}
