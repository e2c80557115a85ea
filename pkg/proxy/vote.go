package proxy

import (
	"sync"

	"github.com/marmos91/netstore/pkg/wire"
)

// voteOperation runs the distributed prepare or commit across the
// transaction backends.
//
// The overall response is RESP_OK iff at least one backend voted OK. That
// criterion is weaker than strict two-phase commit on purpose: the proxy
// favors availability over consistency, and a commit succeeds as long as one
// replica holds the data.
//
// A request with no transaction open succeeds immediately (idempotent
// no-op). A transaction whose backend dials all failed answers RESP_ERROR.
type voteOperation struct {
	f   *Frontend
	req wire.Request // ReqPrepare or ReqCommit
}

func newVoteOperation(f *Frontend, req wire.Request) *voteOperation {
	return &voteOperation{f: f, req: req}
}

func (op *voteOperation) run() (wire.Status, error) {
	f := op.f
	f.log.Debug(op.req.String(), "backends", len(f.txBackends))

	if !f.txActive {
		// Nothing was written since the last commit/rollback.
		return wire.StatusOK, wire.WriteStatus(f.conn, wire.StatusOK)
	}
	if len(f.txBackends) == 0 {
		return wire.StatusError, wire.WriteStatus(f.conn, wire.StatusError)
	}

	backends := append([]*Backend{}, f.txBackends...)

	type vote struct {
		backend *Backend
		ok      bool
	}
	votes := make([]vote, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b *Backend) {
			defer wg.Done()
			if err := b.Write([]byte{byte(op.req)}); err != nil {
				votes[i] = vote{backend: b, ok: false}
				return
			}
			var status [1]byte
			if err := b.Read(status[:]); err != nil {
				votes[i] = vote{backend: b, ok: false}
				return
			}
			votes[i] = vote{backend: b, ok: wire.Status(int8(status[0])) == wire.StatusOK}
		}(i, b)
	}
	wg.Wait()

	success := false
	for _, v := range votes {
		if f.proxy.metrics != nil {
			if v.ok {
				f.proxy.metrics.RecordBackendVote("ok")
			} else {
				f.proxy.metrics.RecordBackendVote("error")
			}
		}
		if v.ok {
			success = true
		} else if op.req == wire.ReqPrepare {
			// A backend that cannot prepare is rolled back and dropped; the
			// survivors can still commit.
			f.log.Debug("Backend voted no", "backend", v.backend.Addr())
			f.removeFromTransaction(v.backend)
		}
	}

	if op.req == wire.ReqCommit {
		// The transaction is over either way.
		f.clearTransaction()
	} else if !success {
		f.clearTransaction()
	}

	if success {
		return wire.StatusOK, wire.WriteStatus(f.conn, wire.StatusOK)
	}
	return wire.StatusError, wire.WriteStatus(f.conn, wire.StatusError)
}
