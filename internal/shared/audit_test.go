package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLogRequiresTarget(t *testing.T) {
	require.ErrorIs(t, AuditLog{Action: "serviceorder:finalize", Entity: "service_order"}.validate(), ErrIncompleteAudit)
	require.NoError(t, AuditLog{Action: "serviceorder:finalize", Entity: "service_order", EntityID: "OS-7"}.validate())
}

func TestUnconfiguredStoresFailSafely(t *testing.T) {
	var audit *AuditLogger
	require.Error(t, audit.Record(context.Background(), AuditLog{}))

	idem := NewIdempotencyStore(nil)
	require.Error(t, idem.CheckAndInsert(context.Background(), "stock:debit:OS-1", "inventory"))
	require.NoError(t, idem.Delete(context.Background(), "stock:debit:OS-1"))
}
