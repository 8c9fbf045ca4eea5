package bolt

// Observer is the unit of response subscription (§3, §8 invariant 1):
// zero or more OnKeys/OnNext calls, followed by exactly one of OnCompleted
// or OnError. Missing callbacks are treated as no-ops, not errors (§9).
type Observer interface {
	// OnKeys delivers the field-name header that precedes records, when
	// the protocol supplies one (RUN's SUCCESS response carries "fields").
	OnKeys(keys []string)
	// OnNext delivers one record's values.
	OnNext(values []any)
	// OnCompleted delivers the terminal SUCCESS metadata. Never called
	// after OnError, and never called twice.
	OnCompleted(metadata map[string]any)
	// OnError delivers the terminal failure. Never called after
	// OnCompleted, and never called twice.
	OnError(err error)
}

// NoopObserver implements Observer with every method a no-op; embed it to
// satisfy the interface while overriding only the callbacks you need.
type NoopObserver struct{}

func (NoopObserver) OnKeys([]string)             {}
func (NoopObserver) OnNext([]any)                {}
func (NoopObserver) OnCompleted(map[string]any) {}
func (NoopObserver) OnError(error)               {}

// FuncObserver adapts independent optional callbacks into an Observer. A
// nil field behaves as a no-op, matching the "missing callbacks" note.
type FuncObserver struct {
	Keys      func(keys []string)
	Next      func(values []any)
	Completed func(metadata map[string]any)
	Err       func(err error)
}

func (o *FuncObserver) OnKeys(keys []string) {
	if o.Keys != nil {
		o.Keys(keys)
	}
}

func (o *FuncObserver) OnNext(values []any) {
	if o.Next != nil {
		o.Next(values)
	}
}

func (o *FuncObserver) OnCompleted(metadata map[string]any) {
	if o.Completed != nil {
		o.Completed(metadata)
	}
}

func (o *FuncObserver) OnError(err error) {
	if o.Err != nil {
		o.Err(err)
	}
}
