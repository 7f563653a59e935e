package dispute

// QuorumPolicy captures how many rounds a case may run and how many
// agreeing votes decide it. The round manager and the tally logic consult
// the policy rather than hard-coding the numbers.
type QuorumPolicy interface {
	// RequiredRounds is the maximum number of voting rounds.
	RequiredRounds() int
	// MajorityThreshold is the number of agreeing votes that decides the case.
	MajorityThreshold() int
}

// majorityOfThree is the production rule: best of three, two votes win.
// A 2-0 sweep ends the case without a third round.
type majorityOfThree struct{}

func (majorityOfThree) RequiredRounds() int    { return 3 }
func (majorityOfThree) MajorityThreshold() int { return 2 }

// DefaultPolicy is the majority-of-three rule.
var DefaultPolicy QuorumPolicy = majorityOfThree{}
