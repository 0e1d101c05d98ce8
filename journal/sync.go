package journal

import (
	"context"

	"github.com/hxrts/aura/interfaces"
)

// SyncRequest opens an anti-entropy round: the requester sends its root
// commitment and the event ids it already holds.
type SyncRequest struct {
	Root interfaces.Hash      `cbor:"1,keyasint"`
	Have []interfaces.EventID `cbor:"2,keyasint"`
}

// SyncResponse returns the responder's root and the encoded events the
// requester is missing.
type SyncResponse struct {
	Root   interfaces.Hash `cbor:"1,keyasint"`
	Events [][]byte        `cbor:"2,keyasint"`
}

// BuildSyncRequest snapshots the local state for an anti-entropy round.
func (j *Journal) BuildSyncRequest() SyncRequest {
	return SyncRequest{Root: j.RootCommitment(), Have: j.EventIDs()}
}

// HandleSyncRequest answers a peer's request with the events it is
// missing. Roots that already match short-circuit to an empty response.
func (j *Journal) HandleSyncRequest(req SyncRequest) (SyncResponse, error) {
	resp := SyncResponse{Root: j.RootCommitment()}
	if resp.Root == req.Root {
		return resp, nil
	}
	have := make(map[interfaces.EventID]struct{}, len(req.Have))
	for _, id := range req.Have {
		have[id] = struct{}{}
	}
	for _, e := range j.Events() {
		if _, ok := have[e.ID]; ok {
			continue
		}
		raw, err := e.Encode()
		if err != nil {
			return SyncResponse{}, err
		}
		resp.Events = append(resp.Events, raw)
	}
	return resp, nil
}

// ApplySyncResponse merges the events from a peer's response.
func (j *Journal) ApplySyncResponse(ctx context.Context, resp SyncResponse) (*MergeReport, error) {
	events := make([]*Event, 0, len(resp.Events))
	for _, raw := range resp.Events {
		e, err := DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return j.Merge(ctx, events)
}
