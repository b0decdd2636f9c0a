package main

import (
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/cache"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/feed"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/nonce"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/notice"
)

const (
	botUsername    = "weather-alerts"
	botDisplayName = "Weather Alerts"
)

// Plugin implements the interface expected by the Mattermost server to communicate between the server and plugin processes.
type Plugin struct {
	plugin.MattermostPlugin

	// client is the Mattermost server API client.
	client *pluginapi.Client

	// configurationLock synchronizes access to the configuration.
	configurationLock sync.RWMutex

	// configuration is the active plugin configuration. Consult getConfiguration and
	// setConfiguration for usage.
	configuration *configuration

	// coordinator serves the alert list from the cluster-shared cache.
	coordinator *cache.Coordinator

	// trigger runs background refreshes; deactivation waits for them.
	trigger *cache.AsyncTrigger

	// warmer refreshes the cache on a cluster job when background polling is enabled.
	warmer *cache.Warmer

	// nonces guard the manual refresh endpoint.
	nonces *nonce.Issuer

	// notifier sends one-time notices to system admins.
	notifier *notice.Notifier
}

// OnActivate is invoked when the plugin is activated. If an error is returned, the plugin will be deactivated.
func (p *Plugin) OnActivate() error {
	p.client = pluginapi.NewClient(p.API, p.Driver)

	botID, err := p.API.EnsureBotUser(&model.Bot{
		Username:    botUsername,
		DisplayName: botDisplayName,
		Description: "Bot for notifying system admins about the Weather Alerts plugin",
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure bot user")
	}

	p.API.LogInfo("Bot user initialized", "botID", botID, "username", botUsername)

	config := p.getConfiguration()
	settings, err := config.cacheSettings()
	if err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	store := cache.NewKVStore(p.API)

	p.trigger = cache.NewAsyncTrigger()
	p.coordinator = cache.NewCoordinator(
		feed.NewClient(feed.DefaultTimeout, &p.client.Log),
		store,
		p.trigger,
		&p.client.Log,
		settings,
	)
	p.warmer = cache.NewWarmer(p.coordinator, cache.NewClusterScheduler(p.API), &p.client.Log)
	p.nonces = nonce.NewIssuer(store)
	p.notifier = notice.New(p.API, botID, store)

	p.applyConfiguration(config)

	return nil
}

// OnDeactivate is invoked when the plugin is deactivated.
func (p *Plugin) OnDeactivate() error {
	if p.warmer != nil {
		if err := p.warmer.Stop(); err != nil {
			p.API.LogError("Failed to stop weather alerts warmer during deactivation", "error", err.Error())
			return err
		}
	}

	// In-flight refreshes finish writing and release the lock
	if p.trigger != nil {
		p.trigger.Wait()
	}

	return nil
}

// See https://developers.mattermost.com/extend/plugins/server/reference/
