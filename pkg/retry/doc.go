// Package retry provides exponential backoff retry logic for transient failures.
//
// Two shapes are offered:
//
//   - Do / DoWithResult: retry an operation a bounded number of times
//   - Poll: re-check a condition until it holds or the context deadline passes
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay (dialing a starting site)
//   - UntilDeadline(): unlimited attempts bounded only by ctx (deployment lookups)
//
// Mark an error with NonRetryable to stop retrying immediately:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    conn, err := dial(addr)
//	    if errors.Is(err, errBadAddress) {
//	        return retry.NonRetryable(err)
//	    }
//	    ...
//	})
package retry
