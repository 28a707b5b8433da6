package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"nanoclaw/internal/domain"

	"github.com/go-playground/validator/v10"
)

// SlackConfigFile is the file name of the Slack record inside the store dir.
const SlackConfigFile = "slack-config.json"

var (
	ErrSlackConfigNotFound = errors.New("slack config not found")
	ErrMissingCredentials  = errors.New("slack config missing credentials")
)

// SlackFile is the persisted Slack record: credentials plus the channel
// mappings. It is the single source of truth for mappings across restarts.
type SlackFile struct {
	BotToken        string                  `json:"botToken" validate:"required"`
	AppToken        string                  `json:"appToken" validate:"required"` // required for Socket Mode
	SigningSecret   string                  `json:"signingSecret,omitempty"`
	ChannelMappings []domain.ChannelMapping `json:"channelMappings" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so errors match what the operator edits.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		m := sl.Current().Interface().(domain.ChannelMapping)
		if strings.TrimSpace(m.SlackChannelID) == "" {
			sl.ReportError(m.SlackChannelID, "slackChannelId", "SlackChannelID", "required", "")
		}
		if strings.TrimSpace(m.JID) == "" {
			sl.ReportError(m.JID, "nanoclawJid", "JID", "required", "")
		}
	}, domain.ChannelMapping{})
	return v
}

// LoadSlackFile reads and validates the Slack record at path. A missing file
// or missing credential is reported with the setup step that fixes it.
func LoadSlackFile(path string) (*SlackFile, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s: run 'nanoclaw slack init' first", ErrSlackConfigNotFound, path)
		}
		return nil, fmt.Errorf("cannot read slack config %s: %w", path, err)
	}

	var f SlackFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse slack config %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("slack config %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks credentials and mapping entries.
func (f *SlackFile) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var missing, invalid []string
	for _, fe := range verrs {
		switch fe.Field() {
		case "botToken", "appToken":
			missing = append(missing, fe.Field())
		default:
			invalid = append(invalid, fe.Namespace())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (run 'nanoclaw slack init --bot-token ... --app-token ...')",
			ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return fmt.Errorf("invalid channel mappings: %s is required", strings.Join(invalid, ", "))
}

// SaveSlackFile rewrites the whole record, pretty-printed. The write goes to a
// temp file in the same directory and is renamed into place.
func SaveSlackFile(path string, f *SlackFile) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create slack config directory: %w", err)
	}

	out := *f
	if out.ChannelMappings == nil {
		out.ChannelMappings = []domain.ChannelMapping{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal slack config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".slack-config-*.json")
	if err != nil {
		return fmt.Errorf("cannot write slack config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cannot write slack config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cannot write slack config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cannot write slack config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cannot replace slack config %s: %w", path, err)
	}
	return nil
}

// InitSlackFile writes fresh credentials. Mappings of an existing, parseable
// record are kept so re-running setup does not unlink every channel.
func InitSlackFile(path, botToken, appToken string) error {
	f := &SlackFile{
		BotToken:        strings.TrimSpace(botToken),
		AppToken:        strings.TrimSpace(appToken),
		ChannelMappings: []domain.ChannelMapping{},
	}
	if err := f.Validate(); err != nil {
		return err
	}

	if data, err := os.ReadFile(ExpandPath(path)); err == nil {
		var prev SlackFile
		if json.Unmarshal(data, &prev) == nil && len(prev.ChannelMappings) > 0 {
			f.ChannelMappings = prev.ChannelMappings
			f.SigningSecret = prev.SigningSecret
		}
	}
	return SaveSlackFile(path, f)
}

// IsSlackConfigured reports whether a record with both tokens exists at path.
func IsSlackConfigured(path string) bool {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return false
	}
	var f SlackFile
	if err := json.Unmarshal(data, &f); err != nil {
		return false
	}
	return f.BotToken != "" && f.AppToken != ""
}
