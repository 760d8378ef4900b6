package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "infoflow/pkg/logx"
)

// sd_notify is best effort: outside systemd SdNotify reports (false, nil)
// and the process runs normally.

func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify READY sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}
