package coordinate

// ReferenceKey is the single key of a reference object, the redacted form
// that can carry any coordinate including external ones:
//
//	{"_secret": "secret/data/db#password"}
const ReferenceKey = "_secret"

// ReferenceObject wraps c in a reference object.
func ReferenceObject(c Coordinate) map[string]interface{} {
	return map[string]interface{}{ReferenceKey: Render(c)}
}

// ReferenceValue returns the coordinate string carried by v when v is a
// reference object. ok is false for anything else, including an object whose
// ReferenceKey is not a string.
func ReferenceValue(v interface{}) (s string, ok bool) {
	obj, isObj := v.(map[string]interface{})
	if !isObj {
		return "", false
	}
	raw, present := obj[ReferenceKey]
	if !present {
		return "", false
	}
	s, ok = raw.(string)
	return s, ok
}

// IsReferenceObject reports whether v is an object with a ReferenceKey
// entry of any type.
func IsReferenceObject(v interface{}) bool {
	obj, isObj := v.(map[string]interface{})
	if !isObj {
		return false
	}
	_, present := obj[ReferenceKey]
	return present
}
