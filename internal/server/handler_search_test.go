package server

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/models"
)

func TestSearchLogsUnloadableMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.appendMessages(t, 1)
	ctx := context.Background()
	mb, err := ts.store.GetMailbox(ctx, ts.userID, "INBOX")
	require.NoError(t, err)
	view, err := ts.store.RefreshMailboxState(ctx, ts.userID, mb.ID)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	r := &searchRun{ctx: ctx, store: ts.store, view: view, log: logrus.NewEntry(logger)}

	ok := &candidate{info: models.MessageInfo{UID: 1}}
	require.NotNil(t, r.message(ok))
	assert.Empty(t, hook.AllEntries())

	gone := &candidate{info: models.MessageInfo{UID: 99}}
	assert.Nil(t, r.message(gone))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, uint32(99), hook.LastEntry().Data["uid"])

	// the failure is remembered for the candidate
	assert.Nil(t, r.message(gone))
	assert.Len(t, hook.AllEntries(), 1)
}
