package remote_test

import (
	"github.com/kimhsiao/medcord/backend/internal/remote"
	"github.com/kimhsiao/medcord/backend/internal/sync"
)

var _ sync.RemoteStore = (*remote.MemoryStore)(nil)
