package app

import (
	"strings"

	"scalpctl/internal/config"
	"scalpctl/internal/gateway/notifier"
	"scalpctl/internal/logger"
	adminhttp "scalpctl/internal/transport/http/admin"
)

// buildTextNotifier 未启用 Telegram 时退回日志输出，保证通知总有去处。
func buildTextNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.LogNotifier{}
	}
	logger.Infof("✓ Telegram 通知已启用 chat=%s", tg.ChatID)
	return notifier.NewTelegram(strings.TrimSpace(tg.BotToken), strings.TrimSpace(tg.ChatID))
}

func buildAdminServer(cfg config.AppConfig, sc adminhttp.ServerConfig) (*adminhttp.Server, error) {
	sc.Addr = cfg.HTTPAddr
	return adminhttp.NewServer(sc)
}
