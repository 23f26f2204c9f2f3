package diabetactic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// writeOps maps an entity write onto its gateway operation.
var writeOps = map[EntityKind]map[QueueOperation]string{
	KindReading: {
		QueueCreate: OpGlucoseCreate,
		QueueUpdate: OpGlucoseUpdate,
		QueueDelete: OpGlucoseDelete,
	},
	KindAppointment: {
		QueueCreate: OpAppointmentsCreate,
		QueueUpdate: OpAppointmentsUpdate,
		QueueDelete: OpAppointmentsDelete,
	},
}

// pushResult is what the gateway returned for an uploaded write.
type pushResult struct {
	ServerID string
	Payload  json.RawMessage
}

// push sends one entity write to the gateway. A delete answered with 404
// counts as done: the record is already gone.
func push(ctx context.Context, d *Dispatcher, kind EntityKind, op QueueOperation, serverID string, payload json.RawMessage) (*pushResult, error) {
	key, ok := writeOps[kind][op]
	if !ok {
		return nil, fmt.Errorf("push: no operation for %s %s", op, kind)
	}

	if op != QueueCreate && serverID == "" {
		return nil, &GatewayError{Kind: BadRequest, Operation: key, Err: errors.New("entity has no server id")}
	}

	var (
		params Params = IDParams{ID: Ptr(serverID)}
		body   any    = payload
	)
	if op == QueueCreate {
		params = NoParams{}
		if kind == KindReading {
			var r Reading
			if err := json.Unmarshal(payload, &r); err != nil {
				return nil, &GatewayError{Kind: BadRequest, Operation: key, Err: fmt.Errorf("decode reading: %w", err)}
			}
			params, body = readingCreateRequest(&r)
		}
	}

	resp, err := d.Execute(ctx, key, params, body)
	if op == QueueDelete {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound {
			return &pushResult{ServerID: serverID}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	res := &pushResult{ServerID: serverID}
	if op == QueueDelete || len(resp.Body) == 0 {
		return res, nil
	}
	var created struct {
		ID ServerID `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return nil, &GatewayError{Kind: ServerError, Operation: key, StatusCode: resp.Status, Err: fmt.Errorf("decode: %w", err)}
	}
	if created.ID != "" {
		res.ServerID = string(created.ID)
	}
	res.Payload = resp.Body
	return res, nil
}

// readingCreateRequest builds glucose.create's query parameters. The
// measurement time travels in the body so queued readings keep it.
func readingCreateRequest(r *Reading) (Params, any) {
	p := GlucoseCreateParams{
		GlucoseLevel: Ptr(r.GlucoseLevel),
		ReadingType:  Ptr(r.ReadingType),
	}
	if r.Notes != "" {
		p.Notes = Ptr(r.Notes)
	}
	if r.CreatedAt.IsZero() {
		return p, nil
	}
	return p, struct {
		CreatedAt time.Time `json:"created_at"`
	}{r.CreatedAt}
}
