// Package patch implements RFC 7396 JSON merge patch, the algorithm the
// commit pipeline uses to compute a resource's post-image from its
// current body and an incoming patch commit.
package patch

import "encoding/json"

// Apply applies an RFC 7396 merge patch to target and returns the
// result. Both arguments and the return value are raw JSON. The
// algorithm, verbatim from the RFC:
//
//	define MergePatch(Target, Patch):
//	  if Patch is an Object:
//	    if Target is not an Object:
//	      Target = {}
//	    for each Name/Value pair in Patch:
//	      if Value is null:
//	        if Name exists in Target:
//	          remove the Name/Value pair from Target
//	      else:
//	        Target[Name] = MergePatch(Target[Name], Value)
//	    return Target
//	  else:
//	    return Patch
func Apply(target, patchBody json.RawMessage) (json.RawMessage, error) {
	var patchVal any
	if len(patchBody) == 0 {
		patchBody = []byte("null")
	}
	if err := json.Unmarshal(patchBody, &patchVal); err != nil {
		return nil, err
	}

	var targetVal any
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, err
		}
	}

	merged := mergePatch(targetVal, patchVal)
	return json.Marshal(merged)
}

func mergePatch(target, patchVal any) any {
	patchObj, ok := patchVal.(map[string]any)
	if !ok {
		// patch is not an object: replacement.
		return patchVal
	}

	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	} else {
		// Don't mutate the caller's map in place.
		copied := make(map[string]any, len(targetObj))
		for k, v := range targetObj {
			copied[k] = v
		}
		targetObj = copied
	}

	for name, value := range patchObj {
		if value == nil {
			delete(targetObj, name)
			continue
		}
		if _, isObj := value.(map[string]any); isObj {
			targetObj[name] = mergePatch(targetObj[name], value)
		} else {
			targetObj[name] = value
		}
	}

	return targetObj
}
