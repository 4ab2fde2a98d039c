package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// AckGrantsAs performs a grant acknowledgement round trip and decodes any
// metadata the client attached into a freshly allocated *T. A nil meta with a
// nil error means the client acknowledged without metadata. Unknown keys in
// the metadata object are rejected so callers notice contract drift.
func AckGrantsAs[T any](cap GrantAckCapability, ctx context.Context, uris []string, opts ...GrantAckOption) (acked bool, meta *T, err error) {
	if cap == nil {
		return false, nil, fmt.Errorf("grantack: capability unavailable")
	}

	var raw json.RawMessage
	opts = append(opts, WithGrantMeta(&raw))
	acked, err = cap.AckGrants(ctx, uris, opts...)
	if err != nil {
		return false, nil, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return acked, nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return acked, nil, fmt.Errorf("grantack: decode meta: %w", err)
	}
	return acked, &v, nil
}
