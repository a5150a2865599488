package poller

// Candidate is an alternate speaker suggested by the backend.
type Candidate struct {
	Name       string
	Confidence *float64
}

// candidateExtractor reads one response shape. ok reports whether the shape
// was present.
type candidateExtractor func(body map[string]any) (c Candidate, ok bool)

// candidateExtractors are tried in priority order; the first shape present
// in the response decides, even when it yields no candidate.
var candidateExtractors = []candidateExtractor{
	fromSuggested,
	fromCandidate,
	fromSuggestions,
}

// extractCandidate returns the alternate candidate from a detection
// response. A present but empty "suggested" hides the lower-priority shapes.
func extractCandidate(body map[string]any) Candidate {
	for _, extract := range candidateExtractors {
		if c, ok := extract(body); ok {
			return c
		}
	}
	return Candidate{}
}

// fromSuggested accepts "suggested" as a string, an object, or an array
// whose first element is a string or object.
func fromSuggested(body map[string]any) (Candidate, bool) {
	v, ok := body["suggested"]
	if !ok {
		return Candidate{}, false
	}
	switch s := v.(type) {
	case []any:
		if len(s) == 0 {
			return Candidate{}, true
		}
		if name, ok := s[0].(string); ok {
			return Candidate{Name: name}, true
		}
		return pickFromObject(s[0]), true
	case string:
		return Candidate{Name: s}, true
	default:
		return pickFromObject(s), true
	}
}

// fromCandidate accepts a truthy "candidate" value.
func fromCandidate(body map[string]any) (Candidate, bool) {
	v, ok := body["candidate"]
	if !ok || !truthy(v) {
		return Candidate{}, false
	}
	return pickFromObject(v), true
}

// fromSuggestions accepts a "suggestions" array and reads its first element.
func fromSuggestions(body map[string]any) (Candidate, bool) {
	s, ok := body["suggestions"].([]any)
	if !ok {
		return Candidate{}, false
	}
	if len(s) == 0 {
		return Candidate{}, true
	}
	return pickFromObject(s[0]), true
}

// pickFromObject reads the name from speaker, name or label (first
// non-empty string) and the confidence from confidence, score or
// probability (first present key, used only when numeric).
func pickFromObject(v any) Candidate {
	obj, ok := v.(map[string]any)
	if !ok {
		return Candidate{}
	}
	var c Candidate
	for _, key := range []string{"speaker", "name", "label"} {
		if name, ok := obj[key].(string); ok && name != "" {
			c.Name = name
			break
		}
	}
	for _, key := range []string{"confidence", "score", "probability"} {
		raw, present := obj[key]
		if !present || raw == nil {
			continue
		}
		if f, ok := raw.(float64); ok {
			c.Confidence = &f
		}
		break
	}
	return c
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}
