package models

// MatchClassification is a matcher's verdict on a candidate pairing.
type MatchClassification string

const (
	MatchDefinite MatchClassification = "Match"
	MatchProbable MatchClassification = "Probable"
	MatchNone     MatchClassification = "NonMatch"
)

// rank orders classifications from strongest to weakest.
func (c MatchClassification) rank() int {
	switch c {
	case MatchDefinite:
		return 2
	case MatchProbable:
		return 1
	}
	return 0
}

func (c MatchClassification) StrongerThan(o MatchClassification) bool {
	return c.rank() > o.rank()
}

// MatchMethod says how a result was produced.
type MatchMethod string

const (
	MethodIdentifier MatchMethod = "identifier"
	MethodAttribute  MatchMethod = "attribute"
)

// MatchResult is one classified match produced by a matching provider.
type MatchResult struct {
	Record         *Record             `json:"record"`
	Classification MatchClassification `json:"classification"`
	Method         MatchMethod         `json:"method"`
	Score          float64             `json:"score"`
	Provider       string              `json:"provider"`
	ConfigName     string              `json:"config_name,omitempty"`
}

// MasterMatch pairs the master a matched record resolves to with the result that found it.
// Two results resolving to the same master count once.
type MasterMatch struct {
	MasterKey string
	Result    MatchResult
}

// Better reports whether m should replace o when both resolve to the same master: a stronger
// classification wins, then the identity method, then the higher score.
func (m MasterMatch) Better(o MasterMatch) bool {
	if m.Result.Classification != o.Result.Classification {
		return m.Result.Classification.StrongerThan(o.Result.Classification)
	}
	if m.Result.Method != o.Result.Method {
		return m.Result.Method == MethodIdentifier
	}
	return m.Result.Score > o.Result.Score
}
