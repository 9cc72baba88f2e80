package gormremote_test

import (
	"github.com/kimhsiao/medcord/backend/internal/remote/gormremote"
	"github.com/kimhsiao/medcord/backend/internal/sync"
)

var _ sync.RemoteStore = (*gormremote.Store)(nil)
