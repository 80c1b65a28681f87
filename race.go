package mhttp

import (
	"github.com/hashicorp/go-multierror"
)

// raceState is the outcome of the HTTP/3 versus HTTP/2 race of one exchange.
type raceState int

const (
	raceNotStarted raceState = iota
	raceRacing
	raceWonByH3
	raceWonByH2
	raceFellBackToH1
	raceFailed
)

func (s raceState) String() string {
	switch s {
	case raceRacing:
		return "racing"
	case raceWonByH3:
		return "h3"
	case raceWonByH2:
		return "h2"
	case raceFellBackToH1:
		return "h1"
	case raceFailed:
		return "failed"
	}
	return "not_started"
}

// raceAction is what the dispatcher must do after a transition.
type raceAction int

const (
	actWait raceAction = iota
	actStartH2
	actUseH3
	actUseH2
	// actUseDowngrade uses the HTTP/1.1 connection the HTTP/2 attempt negotiated.
	actUseDowngrade
	actUsePooledH1
	// actDialH1 opens a new HTTP/1.1 connection.
	actDialH1
	actFail
)

// race decides between an HTTP/3 attempt and an HTTP/2 attempt. It only holds state:
// the dispatcher runs the attempts and feeds their completions to the on* transitions.
type race struct {
	state raceState

	// h3Pinned: HTTP/3 was requested explicitly. An HTTP/2 result is only used once
	// HTTP/3 failed.
	h3Pinned bool
	// h3Only: no fallback at all.
	h3Only bool
	// h2Deferred: HTTP/2 starts only after HTTP/3 failed (alt-svc discovery).
	h2Deferred bool
	// noH2: the server is known to lack HTTP/2, no HTTP/2 attempt is made.
	noH2 bool
	// pooledH1: an idle HTTP/1.1 connection to the origin is available.
	pooledH1 bool

	h2Started bool
	h2Done    bool
	h3Done    bool
	h3Timeout bool

	// h2Held is an HTTP/2 outcome waiting for a pinned HTTP/3 attempt to fail.
	h2Held raceAction

	h3Err error
	h2Err error
}

// start moves to racing. HTTP/2 starts right away unless it is deferred or known to be
// unsupported.
func (r *race) start() raceAction {
	if r.state != raceNotStarted {
		return actWait
	}
	r.state = raceRacing
	if r.h3Only || r.noH2 || r.h2Deferred {
		return actWait
	}
	r.h2Started = true
	return actStartH2
}

func (r *race) decide(s raceState, a raceAction) raceAction {
	r.state = s
	return a
}

// onH3Success: HTTP/3 wins, a running HTTP/2 attempt is abandoned.
func (r *race) onH3Success() raceAction {
	if r.state != raceRacing {
		return actWait
	}
	r.h3Done = true
	return r.decide(raceWonByH3, actUseH3)
}

// onH2Success: HTTP/2 wins, unless HTTP/3 is pinned and still running.
func (r *race) onH2Success() raceAction {
	return r.onH2Result(raceWonByH2, actUseH2)
}

// onH2Downgrade: the HTTP/2 attempt negotiated HTTP/1.1, its connection is used.
func (r *race) onH2Downgrade() raceAction {
	return r.onH2Result(raceFellBackToH1, actUseDowngrade)
}

func (r *race) onH2Result(s raceState, a raceAction) raceAction {
	if r.state != raceRacing {
		return actWait
	}
	r.h2Done = true
	if r.h3Pinned && !r.h3Done {
		r.h2Held = a
		return actWait
	}
	return r.decide(s, a)
}

// onH2Failed records the HTTP/2 error. If HTTP/3 already failed this ends the race.
func (r *race) onH2Failed(err error) raceAction {
	if r.state != raceRacing {
		return actWait
	}
	r.h2Done, r.h2Err = true, err
	if !r.h3Done {
		return actWait
	}
	return r.h3Failure(true)
}

// onH3Slow: a direct HTTP/3 attempt did not complete within its discovery timeout. It
// keeps running, but the race treats HTTP/3 as failing.
func (r *race) onH3Slow() raceAction {
	if r.state != raceRacing || r.h3Done {
		return actWait
	}
	return r.h3Failure(false)
}

// onH3Failed is the final HTTP/3 outcome. timeout reports a connect timeout.
func (r *race) onH3Failed(err error, timeout bool) raceAction {
	if r.state != raceRacing {
		return actWait
	}
	r.h3Done, r.h3Err, r.h3Timeout = true, err, timeout
	return r.h3Failure(true)
}

func (r *race) h3Failure(final bool) raceAction {
	switch r.h2Held {
	case actUseH2:
		return r.decide(raceWonByH2, actUseH2)
	case actUseDowngrade:
		return r.decide(raceFellBackToH1, actUseDowngrade)
	}
	if r.h3Only {
		if final {
			return r.decide(raceFailed, actFail)
		}
		return actWait
	}
	if r.h2Deferred && !r.h2Started && !r.noH2 && final {
		return r.onH3FailedStartH2()
	}
	if r.h2Started && !r.h2Done {
		return r.onH3FailedH2Unknown()
	}
	if !r.h2Started && r.pooledH1 {
		return r.onH3FailedNoH2PooledH1()
	}
	if !final {
		return actWait
	}
	if r.h3Timeout {
		return r.onH3FinalTimeout()
	}
	return r.decide(raceFailed, actFail)
}

// onH3FailedStartH2: HTTP/2 was deferred behind HTTP/3, start it now.
func (r *race) onH3FailedStartH2() raceAction {
	r.h2Started = true
	return actStartH2
}

// onH3FailedH2Unknown: HTTP/2 is still running, wait for it.
func (r *race) onH3FailedH2Unknown() raceAction {
	return actWait
}

// onH3FailedNoH2PooledH1: no HTTP/2 attempt was made because the server lacks it, and an
// idle HTTP/1.1 connection exists.
func (r *race) onH3FailedNoH2PooledH1() raceAction {
	return r.decide(raceFellBackToH1, actUsePooledH1)
}

// onH3FinalTimeout: nothing else worked and HTTP/3 timed out connecting. Last resort is a
// new HTTP/1.1 connection.
func (r *race) onH3FinalTimeout() raceAction {
	return r.decide(raceFellBackToH1, actDialH1)
}

// err aggregates the attempt errors of a failed race.
func (r *race) err() error {
	var merr *multierror.Error
	if r.h3Err != nil {
		merr = multierror.Append(merr, r.h3Err)
	}
	if r.h2Err != nil {
		merr = multierror.Append(merr, r.h2Err)
	}
	return merr.ErrorOrNil()
}
