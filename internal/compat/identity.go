package compat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/localrivet/imagecontext/internal/embedding"
)

// Collection metadata keys holding the model identity.
const (
	KeyModelName      = "model_name"
	KeyModelDimension = "model_dimension"
	KeyModelDevice    = "model_device"
)

// CollectionIdentity is the model identity recorded on a collection.
// A zero ModelDimension means the dimension was not recorded.
type CollectionIdentity struct {
	ModelName      string `json:"model_name"`
	ModelDimension int    `json:"model_dimension,omitempty"`
	ModelDevice    string `json:"model_device,omitempty"`
}

// FromEmbedding converts a provider identity.
func FromEmbedding(id embedding.Identity) CollectionIdentity {
	return CollectionIdentity{
		ModelName:      id.Name,
		ModelDimension: id.Dimension,
		ModelDevice:    id.Device,
	}
}

// Metadata renders the identity as collection metadata.
func (ci CollectionIdentity) Metadata() map[string]string {
	md := map[string]string{
		KeyModelName:      ci.ModelName,
		KeyModelDimension: strconv.Itoa(ci.ModelDimension),
	}
	if ci.ModelDevice != "" {
		md[KeyModelDevice] = ci.ModelDevice
	}
	return md
}

func (ci CollectionIdentity) String() string {
	dim := "unknown"
	if ci.ModelDimension > 0 {
		dim = strconv.Itoa(ci.ModelDimension)
	}
	return fmt.Sprintf("%s (dimension %s)", ci.ModelName, dim)
}

// ParseIdentity extracts the identity from collection metadata. ok is false
// when no model name is recorded. A recorded dimension that is not a
// positive integer is an error.
func ParseIdentity(md map[string]string) (ci CollectionIdentity, ok bool, err error) {
	name := strings.TrimSpace(md[KeyModelName])
	if name == "" {
		return CollectionIdentity{}, false, nil
	}

	ci = CollectionIdentity{ModelName: name, ModelDevice: md[KeyModelDevice]}

	raw, present := md[KeyModelDimension]
	raw = strings.TrimSpace(raw)
	if !present || raw == "" {
		return ci, true, nil
	}

	dim, err := strconv.Atoi(raw)
	if err != nil || dim < 0 {
		return CollectionIdentity{}, false, fmt.Errorf("invalid %s %q", KeyModelDimension, raw)
	}
	ci.ModelDimension = dim
	return ci, true, nil
}
