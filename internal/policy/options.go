package policy

// Options is the caller facing form of the request parameters. Nil fields
// take the defaults.
type Options struct {
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	DoSample          *bool
	Seed              *int64
	Grammar           []string

	MaxNewTokens  *int
	StopSequences []string
	IgnoreEOS     *bool
}

// Defaults are server wide fallbacks for unset options.
type Defaults struct {
	MaxNewTokens int
	Seed         func() int64
}

// Resolve fills unset options from defaults. Sampling is enabled implicitly
// when a non-greedy parameter is supplied.
func Resolve(opts Options, defaults Defaults) (SamplingParams, StoppingParams) {
	sp := SamplingParams{
		Temperature:       1.0,
		TopK:              0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		Grammar:           opts.Grammar,
	}
	st := StoppingParams{
		MaxNewTokens:  20,
		StopSequences: opts.StopSequences,
	}
	if defaults.MaxNewTokens > 0 {
		st.MaxNewTokens = defaults.MaxNewTokens
	}

	if opts.Temperature != nil {
		sp.Temperature = float32(*opts.Temperature)
		if *opts.Temperature != 1.0 && *opts.Temperature > 0 {
			sp.DoSample = true
		}
	}
	if opts.TopK != nil {
		sp.TopK = *opts.TopK
		if *opts.TopK > 0 {
			sp.DoSample = true
		}
	}
	if opts.TopP != nil {
		sp.TopP = float32(*opts.TopP)
		if *opts.TopP < 1.0 {
			sp.DoSample = true
		}
	}
	if opts.RepetitionPenalty != nil {
		sp.RepetitionPenalty = float32(*opts.RepetitionPenalty)
	}
	if opts.DoSample != nil {
		sp.DoSample = *opts.DoSample
	}
	if opts.Seed != nil {
		sp.Seed = *opts.Seed
	} else if defaults.Seed != nil {
		sp.Seed = defaults.Seed()
	}

	if opts.MaxNewTokens != nil {
		st.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.IgnoreEOS != nil {
		st.IgnoreEOS = *opts.IgnoreEOS
	}
	return sp, st
}
