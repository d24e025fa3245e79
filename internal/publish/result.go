package publish

// Result holds the outcomes of a batch in submission order.
type Result struct {
	Outcomes []Outcome
}

// Summary tallies a Result.
type Summary struct {
	Total                 int
	Published             int
	SerializationFailures int
	PublishFailures       int
}

// Summary counts outcomes by kind.
func (r Result) Summary() Summary {
	s := Summary{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		switch o.Kind() {
		case Published:
			s.Published++
		case SerializationFailure:
			s.SerializationFailures++
		case PublishFailure:
			s.PublishFailures++
		}
	}
	return s
}

// Failed returns the outcomes that did not publish.
func (r Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// IDs returns the broker ids of the published events.
func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
