package transfer

// Listener receives lifecycle callbacks from a transfer engine. Byte counts are cumulative for
// the task. Callbacks run on engine goroutines and must not block on the engine that calls them.
type Listener interface {
	OnPre(size int64)
	OnStart(bytes int64)
	OnResume(bytes int64)
	OnProgress(bytes int64)
	OnComplete()
	OnStop(bytes int64)
	OnCancel()
	OnFail(err error, canRetry bool)
}

// NopListener implements Listener with no-ops. Embed it to handle only some callbacks.
type NopListener struct{}

func (NopListener) OnPre(int64)        {}
func (NopListener) OnStart(int64)      {}
func (NopListener) OnResume(int64)     {}
func (NopListener) OnProgress(int64)   {}
func (NopListener) OnComplete()        {}
func (NopListener) OnStop(int64)       {}
func (NopListener) OnCancel()          {}
func (NopListener) OnFail(error, bool) {}

// Listeners fans every callback out to each listener in order.
type Listeners []Listener

func (ls Listeners) OnPre(size int64) {
	for _, l := range ls {
		l.OnPre(size)
	}
}

func (ls Listeners) OnStart(bytes int64) {
	for _, l := range ls {
		l.OnStart(bytes)
	}
}

func (ls Listeners) OnResume(bytes int64) {
	for _, l := range ls {
		l.OnResume(bytes)
	}
}

func (ls Listeners) OnProgress(bytes int64) {
	for _, l := range ls {
		l.OnProgress(bytes)
	}
}

func (ls Listeners) OnComplete() {
	for _, l := range ls {
		l.OnComplete()
	}
}

func (ls Listeners) OnStop(bytes int64) {
	for _, l := range ls {
		l.OnStop(bytes)
	}
}

func (ls Listeners) OnCancel() {
	for _, l := range ls {
		l.OnCancel()
	}
}

func (ls Listeners) OnFail(err error, canRetry bool) {
	for _, l := range ls {
		l.OnFail(err, canRetry)
	}
}
