package executor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Artifact Inspection
// =============================================================================

// ServiceSpec is what an artifact's compose file declares about the
// service it ships: the container to manage and the port to probe.
type ServiceSpec struct {
	Name string
	Port int
}

var composeFileNames = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}

// DiscoverService reads the compose file bundled in an artifact archive
// and returns the declared service. Artifacts without a compose file
// are fine; the caller falls back to the script lifecycle.
func DiscoverService(artifactPath string) (*ServiceSpec, error) {
	data, err := composeFromArchive(artifactPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return parseServiceSpec(data)
}

// composeFromArchive scans a tar.gz for a compose file at the archive
// root. Returns nil without error when the artifact has none.
func composeFromArchive(artifactPath string) ([]byte, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open artifact: %v", domain.ErrConfiguration, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact is not a gzip archive: %v", domain.ErrConfiguration, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: artifact is not a tar archive: %v", domain.ErrConfiguration, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		// Accept the compose file at the archive root or one level down,
		// the usual "dir/compose.yaml" layout tar produces.
		clean := path.Clean(hdr.Name)
		if strings.Count(clean, "/") > 1 {
			continue
		}
		name := path.Base(clean)
		for _, want := range composeFileNames {
			if name == want {
				return io.ReadAll(tr)
			}
		}
	}
}

func parseServiceSpec(data []byte) (*ServiceSpec, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("%w: invalid compose YAML: %v", domain.ErrConfiguration, err)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Content: data, Config: dict}},
	}, func(opts *loader.Options) {
		opts.SetProjectName("rollout-artifact", false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: parse compose file: %v", domain.ErrConfiguration, err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("%w: compose file declares no services", domain.ErrConfiguration)
	}

	// One service per artifact. Multiple services would need their own
	// rollout ordering, which the host contract does not define.
	if len(project.Services) > 1 {
		return nil, fmt.Errorf("%w: compose file declares %d services, want exactly one", domain.ErrConfiguration, len(project.Services))
	}

	for name, svc := range project.Services {
		spec := &ServiceSpec{Name: name}
		if svc.ContainerName != "" {
			spec.Name = svc.ContainerName
		}
		for _, p := range svc.Ports {
			if p.Published != "" {
				var port int
				if _, err := fmt.Sscanf(p.Published, "%d", &port); err == nil {
					spec.Port = port
					break
				}
			}
		}
		return spec, nil
	}
	return nil, nil
}
