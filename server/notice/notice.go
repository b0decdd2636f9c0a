// Package notice delivers one-time operator notices to system admins as direct
// messages from the plugin bot.
package notice

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
)

// markerPrefix namespaces the delivered-notice markers in the store.
const markerPrefix = "notice_sent_"

// maxAdmins caps how many system admins are notified.
const maxAdmins = 100

// Level is the severity of a notice.
type Level string

// Levels, from most to least severe
const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Field is a labelled value shown with a notice.
type Field struct {
	Title string
	Value string
	Short bool
}

// Notice is a message for the operators of the installation.
type Notice struct {
	// Key identifies the condition; a key is notified at most once until reset
	Key     string
	Level   Level
	Title   string
	Message string
	Fields  []Field
}

// MarkerStore records which notices were delivered. It is shared by all nodes.
type MarkerStore interface {
	CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error)
	Delete(key string) error
}

// Notifier posts notices to system admins.
type Notifier struct {
	api   plugin.API
	botID string
	store MarkerStore
	now   func() time.Time
}

// New creates a Notifier that posts as botID.
func New(api plugin.API, botID string, store MarkerStore) *Notifier {
	return &Notifier{
		api:   api,
		botID: botID,
		store: store,
		now:   time.Now,
	}
}

// NotifyOnce sends notice to every system admin unless a notice with the same key
// was already sent from any node. It reports whether the notice was sent.
// If no admin could be reached the marker is cleared so a later call retries.
func (n *Notifier) NotifyOnce(notice Notice) (bool, error) {
	if notice.Key == "" {
		return false, errors.New("notice key is required")
	}

	first, err := n.store.CompareAndSetAbsent(markerKey(notice.Key), []byte(n.now().UTC().Format(time.RFC3339)), 0)
	if err != nil {
		return false, fmt.Errorf("failed to record notice %s: %w", notice.Key, err)
	}
	if !first {
		return false, nil
	}

	if err := n.deliver(notice); err != nil {
		if resetErr := n.store.Delete(markerKey(notice.Key)); resetErr != nil {
			return false, fmt.Errorf("failed to deliver notice %s: %w (marker reset failed: %v)", notice.Key, err, resetErr)
		}
		return false, fmt.Errorf("failed to deliver notice %s: %w", notice.Key, err)
	}

	return true, nil
}

// Reset forgets that key was notified, so the condition is reported again if
// it comes back.
func (n *Notifier) Reset(key string) error {
	if err := n.store.Delete(markerKey(key)); err != nil {
		return fmt.Errorf("failed to reset notice %s: %w", key, err)
	}
	return nil
}

// deliver posts notice to each system admin. It fails only if nobody received it.
func (n *Notifier) deliver(notice Notice) error {
	admins, appErr := n.api.GetUsers(&model.UserGetOptions{
		Role:    model.SystemAdminRoleId,
		Page:    0,
		PerPage: maxAdmins,
	})
	if appErr != nil {
		return fmt.Errorf("failed to list system admins: %w", appErr)
	}
	if len(admins) == 0 {
		return errors.New("no system admins to notify")
	}

	attachment := FormatNotice(notice, n.now())

	var errs []error
	delivered := 0
	for _, admin := range admins {
		if err := n.post(admin.Id, attachment); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// post sends attachment to userID over the bot's direct channel.
func (n *Notifier) post(userID string, attachment *model.SlackAttachment) error {
	channel, appErr := n.api.GetDirectChannel(n.botID, userID)
	if appErr != nil {
		return fmt.Errorf("failed to get direct channel with %s: %w", userID, appErr)
	}

	post := &model.Post{
		UserId:    n.botID,
		ChannelId: channel.Id,
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}
	model.ParseSlackAttachment(post, []*model.SlackAttachment{attachment})

	if _, appErr := n.api.CreatePost(post); appErr != nil {
		return fmt.Errorf("failed to post notice to %s: %w", userID, appErr)
	}
	return nil
}

func markerKey(key string) string {
	return markerPrefix + key
}
