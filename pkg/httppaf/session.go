package httppaf

// Session tracks protocol-aware flushing for one TCP connection in
// both directions, plus the pipeline depth shared between them: a
// response can't be classified as no-body (1xx/204/304/HEAD) without
// knowing which request method is still outstanding.
type Session struct {
	Client *State
	Server *State

	pendingHead bool
	metrics     *Metrics
}

// DefaultByteCap bounds how many bytes PAF will scan in one direction
// of a session, counted across all of that direction's messages,
// before giving up and falling back to generic inspection, mirroring
// hi_paf's cap argument.
const DefaultByteCap = 65535

// NewSession starts PAF tracking for a fresh connection.
func NewSession() *Session {
	return &Session{
		Client: NewState(true, DefaultByteCap),
		Server: NewState(false, DefaultByteCap),
	}
}

// SetMetrics attaches prometheus counters that ScanClient/ScanServer
// update on every flush or abort. A nil Session.metrics (the default)
// tracks nothing.
func (sess *Session) SetMetrics(m *Metrics) {
	sess.metrics = m
}

// ScanClient feeds client->server bytes and returns the flush decision.
func (sess *Session) ScanClient(data []byte) (Result, int) {
	res, n := sess.Client.Scan(data)

	switch res {
	case ResultFlush:
		sess.pendingHead = sess.Client.LastFlags&FlagHead != 0
		sess.Client.PushPipeline()
		sess.Server.PushPipeline()

		if sess.metrics != nil {
			sess.metrics.flushes.WithLabelValues("request").Inc()
		}
	case ResultAbort:
		if sess.metrics != nil {
			sess.metrics.aborts.Inc()
		}
	}

	return res, n
}

// ScanServer feeds server->client bytes and returns the flush decision.
func (sess *Session) ScanServer(data []byte) (Result, int) {
	if sess.pendingHead {
		sess.Server.Flags |= FlagHead
	}

	res, n := sess.Server.Scan(data)

	switch res {
	case ResultFlush:
		// this response is fully consumed; the head-request marker applied
		// only to it, not to whatever request is pipelined behind it.
		sess.pendingHead = false
		sess.Client.PopPipeline()
		sess.Server.PopPipeline()

		if sess.metrics != nil {
			sess.metrics.flushes.WithLabelValues("response").Inc()
		}
	case ResultAbort:
		if sess.metrics != nil {
			sess.metrics.aborts.Inc()
		}
	}

	return res, n
}
