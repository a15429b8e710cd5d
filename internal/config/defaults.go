package config

const (
	defaultMountPointTemplate = "/media/card-backup-{uuid}"
	defaultTargetPathTemplate = "~/backups/{date}"
	defaultLogDir             = "~/.local/share/cardbackup/logs"
	defaultAPIBind            = "127.0.0.1:7430"
	defaultRsyncBinary        = "rsync"
	defaultCancelGrace        = 5
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultEventBufferSize    = 2048
	defaultNtfyTimeout        = 10
	defaultHistoryPath        = "~/.local/share/cardbackup/history.db"
)

func defaultFilesystems() []string {
	return []string{"exfat", "fat32", "udf"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Backup: Backup{
			MountPointTemplate: defaultMountPointTemplate,
			TargetPathTemplate: defaultTargetPathTemplate,
			Filesystems:        defaultFilesystems(),
			AutoUnmount:        true,
		},
		Paths: Paths{
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Transfer: Transfer{
			RsyncBinary:        defaultRsyncBinary,
			CancelGraceSeconds: defaultCancelGrace,
		},
		Logging: Logging{
			Format:          defaultLogFormat,
			Level:           defaultLogLevel,
			EventBufferSize: defaultEventBufferSize,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeout,
		},
		History: History{
			Enabled: true,
			Path:    defaultHistoryPath,
		},
	}
}
