package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/linkage"
)

// AuditListener writes a structured audit line for every completed merge and unmerge.
func AuditListener(logger ectologger.Logger) linkage.Listener {
	return linkage.ListenerFuncs{
		OnMerged: func(ctx context.Context, ev *linkage.MergeEvent) {
			logger.WithContext(ctx).WithFields(map[string]any{
				"audit":         "merge",
				"principal":     ev.Principal.Name(),
				"survivor_key":  ev.SurvivorKey,
				"duplicate_key": ev.DuplicateKey,
				"pairing":       ev.Pairing,
				"sequence":      ev.Sequence,
			}).Info("Records merged")
		},
		OnUnMerged: func(ctx context.Context, ev *linkage.UnmergeEvent) {
			logger.WithContext(ctx).WithFields(map[string]any{
				"audit":          "unmerge",
				"principal":      ev.Principal.Name(),
				"master_key":     ev.MasterKey,
				"record_key":     ev.RecordKey,
				"new_master_key": ev.NewMasterKey,
			}).Info("Record unmerged")
		},
	}
}
