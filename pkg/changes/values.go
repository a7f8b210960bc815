package changes

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// validate checks change payloads against their field schemas. The
// custom "domain" rule accepts ordinary hostnames plus a single
// leading wildcard label ("*.example.com").
var validate = newValidator()

var (
	domainPattern = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		return domainPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return envKeyPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Payload schemas. Field names match the types package so the same
// JSON decodes into both; these exist to carry the validation tags.

type volumeValue struct {
	ID            string `validate:"omitempty"`
	Name          string `validate:"omitempty,max=255"`
	ContainerPath string `validate:"required,startswith=/"`
	HostPath      string `validate:"omitempty,startswith=/"`
	Mode          string `validate:"omitempty,oneof=READ_WRITE READ_ONLY"`
}

type configValue struct {
	ID        string `validate:"omitempty"`
	Name      string `validate:"omitempty,max=255"`
	MountPath string `validate:"required,startswith=/"`
	Contents  string `validate:"required"`
}

type urlRedirectValue struct {
	URL       string `validate:"required,url"`
	Permanent bool
}

type urlValue struct {
	ID             string `validate:"omitempty"`
	Domain         string `validate:"required,domain"`
	BasePath       string `validate:"omitempty,startswith=/"`
	StripPrefix    bool
	RedirectTo     *urlRedirectValue `validate:"omitempty"`
	AssociatedPort int               `validate:"omitempty,min=1,max=65535"`
}

type portValue struct {
	ID        string `validate:"omitempty"`
	Host      int    `validate:"required,min=1,max=65535"`
	Forwarded int    `validate:"required,min=1,max=65535"`
}

type envVariableValue struct {
	ID    string `validate:"omitempty"`
	Key   string `validate:"required,envkey"`
	Value string
}

type healthcheckValue struct {
	Type            string `validate:"required,oneof=PATH COMMAND"`
	Value           string `validate:"required"`
	TimeoutSeconds  int    `validate:"omitempty,min=5,max=1800"`
	IntervalSeconds int    `validate:"omitempty,min=5,max=1800"`
	AssociatedPort  int    `validate:"omitempty,min=1,max=65535"`
}

type resourceLimitsValue struct {
	CPUs        float64 `validate:"omitempty,gt=0"`
	MemoryBytes int64   `validate:"omitempty,min=6291456"` // runtime refuses below 6MiB
}

type sourceValue struct {
	Image       string `validate:"required"`
	Credentials *struct {
		Username string `validate:"required"`
		Password string `validate:"required"`
	} `validate:"omitempty"`
}

type gitSourceValue struct {
	RepositoryURL string `validate:"required,url"`
	Branch        string `validate:"required"`
	CommitSHA     string `validate:"omitempty"`
	GitAppID      string `validate:"omitempty"`
	GitAppKind    string `validate:"omitempty,oneof=GITHUB GITLAB"`
}

// decodeAndValidate unmarshals raw into schema and runs the validator,
// translating failures into field-scoped validation errors.
func decodeAndValidate(field types.ChangeField, raw json.RawMessage, schema any) error {
	if err := json.Unmarshal(raw, schema); err != nil {
		return zerrors.Validationf(string(field), "malformed value: %v", err)
	}
	if err := validate.Struct(schema); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return zerrors.Validationf(string(field), "%s fails %q", e.Field(), e.Tag())
		}
		return zerrors.Validationf(string(field), "%v", err)
	}
	return nil
}

// validateNewValue checks the payload of one change against the schema
// of its field. DELETE changes carry no new value and skip schema
// checks entirely.
func validateNewValue(field types.ChangeField, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		switch field {
		case types.FieldCommand, types.FieldHealthcheck, types.FieldResourceLimits:
			return nil // null clears these
		}
		return zerrors.Validationf(string(field), "value is required")
	}

	switch field {
	case types.FieldVolumes:
		return decodeAndValidate(field, raw, &volumeValue{})
	case types.FieldConfigs:
		return decodeAndValidate(field, raw, &configValue{})
	case types.FieldURLs:
		return decodeAndValidate(field, raw, &urlValue{})
	case types.FieldPorts:
		var v portValue
		if err := decodeAndValidate(field, raw, &v); err != nil {
			return err
		}
		// 80 and 443 belong to the proxy; HTTP traffic routes via URLs.
		if v.Host == 80 || v.Host == 443 {
			return zerrors.Validationf(string(field), "host port %d is reserved for the proxy, add a URL instead", v.Host)
		}
		return nil
	case types.FieldEnvVariables:
		return decodeAndValidate(field, raw, &envVariableValue{})
	case types.FieldHealthcheck:
		var v healthcheckValue
		if err := decodeAndValidate(field, raw, &v); err != nil {
			return err
		}
		if v.Type == string(types.HealthcheckPath) && !strings.HasPrefix(v.Value, "/") {
			return zerrors.Validationf(string(field), "path probes must start with /")
		}
		return nil
	case types.FieldResourceLimits:
		return decodeAndValidate(field, raw, &resourceLimitsValue{})
	case types.FieldSource:
		return decodeAndValidate(field, raw, &sourceValue{})
	case types.FieldGitSource:
		return decodeAndValidate(field, raw, &gitSourceValue{})
	case types.FieldBuilder:
		var cfg types.BuilderConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return zerrors.Validationf(string(field), "malformed value: %v", err)
		}
		if cfg.Kind == "" {
			return zerrors.Validationf(string(field), "builder kind is required")
		}
		return nil
	case types.FieldCommand:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return zerrors.Validationf(string(field), "command must be a string")
		}
		return nil
	}
	return zerrors.Validationf(string(field), "unknown field")
}
