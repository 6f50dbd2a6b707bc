package ai

import "context"

// Adapter translates one provider family's wire protocol to and from the
// normalized Delta stream. Adapters are stateless per call and never retry
// internally; retry is the caller's decision (see RetryPolicy).
//
// Implementations must close the channel (and not panic) even when ctx is
// cancelled, so callers can always range over it safely. Errors are
// classified into the *Error taxonomy before being returned from wait.
type Adapter interface {
	// Name returns the provider family identifier, e.g. "openai", "bedrock".
	Name() string

	// Stream starts one completion call. It returns:
	//   - a channel of normalized deltas, in arrival order
	//   - a function that blocks until the stream ends and returns the
	//     parsed final completion (or a classified error)
	//
	// token is the resolved auth credential; adapters that authenticate out
	// of band (e.g. an SDK credential chain) ignore it.
	Stream(
		ctx context.Context,
		llmCtx Context,
		cfg ProviderConfig,
		token string,
	) (<-chan Delta, func() (*Completion, error))
}
