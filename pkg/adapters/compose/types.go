package compose

// File is the subset of the compose file format the adapter emits. Maps
// marshal with sorted keys, so equal input gives byte-identical output.
type File struct {
	Name     string              `yaml:"name,omitempty"`
	Services map[string]*Service `yaml:"services,omitempty"`
	Volumes  map[string]*Volume  `yaml:"volumes,omitempty"`
	Configs  map[string]*Config  `yaml:"configs,omitempty"`
}

// Service is one compose service.
type Service struct {
	Image       string            `yaml:"image,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Tmpfs       []string          `yaml:"tmpfs,omitempty"`
	Configs     []ConfigMount     `yaml:"configs,omitempty"`
	Deploy      *Deploy           `yaml:"deploy,omitempty"`
}

// Deploy holds replica and resource settings.
type Deploy struct {
	Replicas  *int       `yaml:"replicas,omitempty"`
	Resources *Resources `yaml:"resources,omitempty"`
}

// Resources are limits and reservations.
type Resources struct {
	Limits       *ResourceSpec `yaml:"limits,omitempty"`
	Reservations *ResourceSpec `yaml:"reservations,omitempty"`
}

// ResourceSpec is a cpu/memory pair.
type ResourceSpec struct {
	CPUs   string `yaml:"cpus,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// Volume is a top-level named volume.
type Volume struct {
	Driver     string            `yaml:"driver,omitempty"`
	DriverOpts map[string]string `yaml:"driver_opts,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}

// Config is a top-level config with inline content.
type Config struct {
	Content string `yaml:"content"`
}

// ConfigMount mounts a config into a service.
type ConfigMount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// merge folds other into f. A service present in both is completed with
// the fields f lacks, and its maps and lists are combined.
func (f *File) merge(other *File) {
	if f.Name == "" {
		f.Name = other.Name
	}
	for name, svc := range other.Services {
		if f.Services == nil {
			f.Services = map[string]*Service{}
		}
		existing, ok := f.Services[name]
		if !ok {
			f.Services[name] = svc
			continue
		}
		existing.merge(svc)
	}
	for name, v := range other.Volumes {
		if f.Volumes == nil {
			f.Volumes = map[string]*Volume{}
		}
		f.Volumes[name] = v
	}
	for name, c := range other.Configs {
		if f.Configs == nil {
			f.Configs = map[string]*Config{}
		}
		f.Configs[name] = c
	}
}

func (s *Service) merge(o *Service) {
	if s.Image == "" {
		s.Image = o.Image
	}
	if s.Deploy == nil {
		s.Deploy = o.Deploy
	}
	s.Environment = mergeMap(s.Environment, o.Environment)
	s.Labels = mergeMap(s.Labels, o.Labels)
	s.Ports = append(s.Ports, o.Ports...)
	s.Volumes = append(s.Volumes, o.Volumes...)
	s.Tmpfs = append(s.Tmpfs, o.Tmpfs...)
	s.Configs = append(s.Configs, o.Configs...)
}

func mergeMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
