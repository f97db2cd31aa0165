package viewport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// TopicScheme selects how keys are mapped onto broadcast topics.
type TopicScheme string

const (
	// DocumentTopics gives every window on the same document and data owner
	// one shared topic. Subscribers pick their own window out of the updates.
	DocumentTopics TopicScheme = "document"

	// WindowTopics gives every exact window its own topic.
	WindowTopics TopicScheme = "window"
)

const topicPrefix = "diam"

// Validate checks that the scheme is known.
func (s TopicScheme) Validate() error {
	switch s {
	case DocumentTopics, WindowTopics:
		return nil
	}
	return errors.NotValidf("topic scheme %q", string(s))
}

// Topic returns the topic that updates for k are published on.
func (s TopicScheme) Topic(k Key) string {
	base := fmt.Sprintf("%s/p/%d/d/%d/u/%s", topicPrefix, k.ProjectID, k.DocumentID, url.PathEscape(k.DataOwner))
	if s == WindowTopics {
		return fmt.Sprintf("%s/w/%d-%d/f/%s", base, k.Begin, k.End, url.PathEscape(k.Format))
	}
	return base
}

// TopicAddress is the decoded form of a topic string. Window is nil for
// document topics.
type TopicAddress struct {
	ProjectID  int64
	DocumentID int64
	DataOwner  string
	Window     *Window
}

// ParseTopic decodes a topic produced by either scheme.
func ParseTopic(topic string) (TopicAddress, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 7 && len(parts) != 11 {
		return TopicAddress{}, errors.NotValidf("topic %q", topic)
	}
	if parts[0] != topicPrefix || parts[1] != "p" || parts[3] != "d" || parts[5] != "u" {
		return TopicAddress{}, errors.NotValidf("topic %q", topic)
	}
	var (
		addr TopicAddress
		err  error
	)
	if addr.ProjectID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return TopicAddress{}, errors.NotValidf("project in topic %q", topic)
	}
	if addr.DocumentID, err = strconv.ParseInt(parts[4], 10, 64); err != nil {
		return TopicAddress{}, errors.NotValidf("document in topic %q", topic)
	}
	if addr.DataOwner, err = url.PathUnescape(parts[6]); err != nil || addr.DataOwner == "" {
		return TopicAddress{}, errors.NotValidf("data owner in topic %q", topic)
	}
	if len(parts) == 7 {
		return addr, nil
	}

	if parts[7] != "w" || parts[9] != "f" {
		return TopicAddress{}, errors.NotValidf("topic %q", topic)
	}
	bounds := strings.SplitN(parts[8], "-", 2)
	if len(bounds) != 2 {
		return TopicAddress{}, errors.NotValidf("window in topic %q", topic)
	}
	var w Window
	if w.Begin, err = strconv.Atoi(bounds[0]); err != nil {
		return TopicAddress{}, errors.NotValidf("window begin in topic %q", topic)
	}
	if w.End, err = strconv.Atoi(bounds[1]); err != nil {
		return TopicAddress{}, errors.NotValidf("window end in topic %q", topic)
	}
	if w.Format, err = url.PathUnescape(parts[10]); err != nil || w.Format == "" {
		return TopicAddress{}, errors.NotValidf("format in topic %q", topic)
	}
	addr.Window = &w
	return addr, nil
}

// Matches reports whether updates for k are delivered on this address.
func (a TopicAddress) Matches(k Key) bool {
	if a.ProjectID != k.ProjectID || a.DocumentID != k.DocumentID || a.DataOwner != k.DataOwner {
		return false
	}
	return a.Window == nil || *a.Window == k.Window()
}
