package containerManager

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var ErrInvalidImageUrl = errors.New("invalid image url")

// imageUrlPattern matches registry layer URLs of the form
// .../layers/<owner>/<name>/<tag>/.../sha256:<digest>
var imageUrlPattern = regexp.MustCompile(`/layers/([^/]+/[^/]+)/([^/]+)/.+/sha256:([a-f0-9]+)`)

// ImageMetadata identifies a container image referenced by a client app.
type ImageMetadata struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest"`
}

// Reference is the repository:tag form used for pulls and container creation.
func (im *ImageMetadata) Reference() string {
	return fmt.Sprintf("%s:%s", im.Repository, im.Tag)
}

func ParseImageUrl(url string) (*ImageMetadata, error) {
	m := imageUrlPattern.FindStringSubmatch(url)
	if m == nil {
		return nil, errors.Wrapf(ErrInvalidImageUrl, "%q", url)
	}
	return &ImageMetadata{
		Repository: m[1],
		Tag:        m[2],
		Digest:     m[3],
	}, nil
}
