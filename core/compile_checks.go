package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ JobTrigger         = (*InlineJobTrigger)(nil)
	_ SyncEventPublisher = NopSyncEventPublisher{}
	_ BackoffScheduler   = ExponentialBackoffScheduler{}
	_ CredentialCodec    = JSONCredentialCodec{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
