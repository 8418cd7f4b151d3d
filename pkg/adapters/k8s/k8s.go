// Package k8s is the target adapter for Kubernetes. Basic instances become
// a Deployment and a Service, connectors a Service and, when published
// with a path, an Ingress. Packing adds a kustomization.yaml so the output
// directory applies with "kubectl apply -k".
package k8s

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stackforge/pkg/adapters/command"
	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

const (
	// LabelInstance selects the pods of one basic instance.
	LabelInstance = "forge.io/instance"

	// LabelPath records the instance path.
	LabelPath = "forge.io/path"

	// ConnectorLabelPrefix prefixes the label a connector Service selects.
	ConnectorLabelPrefix = "connector.forge.io/"

	// AnnotationTargets lists the instances a connector Service routes to.
	AnnotationTargets = "forge.io/targets"

	// DefaultVolumeSize is requested by claims of permanent volumes.
	DefaultVolumeSize = "1Gi"
)

// Kustomization is the kustomization.yaml packing adds.
type Kustomization struct {
	APIVersion   string            `json:"apiVersion"`
	Kind         string            `json:"kind"`
	Namespace    string            `json:"namespace"`
	CommonLabels map[string]string `json:"commonLabels,omitempty"`
	Resources    []string          `json:"resources"`
}

// Adapter implements engine.TargetAdapter for Kubernetes.
type Adapter struct {
	runner command.Runner
}

var _ command.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithRunner replaces the local command runner.
func WithRunner(r command.Runner) Option {
	return func(a *Adapter) { a.runner = r }
}

// New creates a Kubernetes adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements engine.TargetAdapter.
func (a *Adapter) Name() string { return "k8s" }

// TranslateDeployment emits the namespace every object is placed in.
func (a *Adapter) TranslateDeployment(_ context.Context, root engine.Component, _ engine.Options) ([]engine.Artifact, error) {
	name := root.Info().Name
	ns := &corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{Name: command.ServiceName(name)},
	}
	return emit(nil, "", name, "namespace", ns)
}

// TranslateBasic emits the Deployment, Service and claims of b.
func (a *Adapter) TranslateBasic(_ context.Context, b *engine.BasicInstance, adjacents []engine.Adjacent, opts engine.Options) ([]engine.Artifact, error) {
	name := command.ServiceName(b.Path())
	labels := objectLabels(name, b.Path(), b.Labels)
	replicas := int32(engine.Replicas(b.Cardinality))

	container := corev1.Container{
		Name:  command.ServiceName(b.Name),
		Image: command.Image(b.Source, opts),
		EnvFrom: []corev1.EnvFromSource{{
			ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: name + "-routes"},
				Optional:             boolPtr(true),
			},
		}},
	}
	for _, key := range b.Variables.Keys() {
		value, _ := b.Variables.Get(key)
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: value})
	}
	for _, kv := range command.PeerEnv(adjacents) {
		container.Env = append(container.Env, corev1.EnvVar{Name: kv[0], Value: kv[1]})
	}

	var err error
	if container.Resources, err = requirements(b.Resources); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnsupportedValue, "invalid resources", err).
			WithPath(b.Path()).WithAttribute("resources")
	}

	svc := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec:       corev1.ServiceSpec{Selector: map[string]string{LabelInstance: name}},
	}
	for _, epName := range b.Endpoints.Keys() {
		ep, _ := b.Endpoints.Get(epName)
		if ep.Direction != engine.DirectionIn {
			continue
		}
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: int32(ep.Protocol.Port), Protocol: corev1.ProtocolTCP})
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       command.ServiceName(ep.Name),
			Port:       int32(ep.Protocol.Port),
			TargetPort: intstr.FromInt32(int32(ep.Protocol.Port)),
		})
	}

	var artifacts []engine.Artifact
	var volumes []corev1.Volume
	for _, volName := range b.Volumes.Keys() {
		v, _ := b.Volumes.Get(volName)
		vol, mount, claim := volume(name, v, opts)
		volumes = append(volumes, vol)
		container.VolumeMounts = append(container.VolumeMounts, mount)
		if claim != nil {
			if artifacts, err = emit(artifacts, b.Prefix, b.Name, command.ServiceName(v.Name)+".pvc", claim); err != nil {
				return nil, err
			}
		}
	}

	deployment := &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelInstance: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}
	if artifacts, err = emit(artifacts, b.Prefix, b.Name, "deployment", deployment); err != nil {
		return nil, err
	}

	for _, epName := range b.Entrypoints.Keys() {
		ep, _ := b.Entrypoints.Get(epName)
		if !ep.Publish {
			continue
		}
		endpoint, ok := b.Endpoints.Get(ep.Mapping)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindUnresolvedReference, "entrypoint %q maps to unknown endpoint %q", ep.Name, ep.Mapping).
				WithPath(b.Path())
		}
		svc.Spec.Type = corev1.ServiceTypeLoadBalancer
		if hasPort(svc.Spec.Ports, int32(ep.Protocol.Port)) {
			continue
		}
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       command.ServiceName(ep.Name),
			Port:       int32(ep.Protocol.Port),
			TargetPort: intstr.FromInt32(int32(endpoint.Protocol.Port)),
		})
	}
	if len(svc.Spec.Ports) == 0 {
		return artifacts, nil
	}
	return emit(artifacts, b.Prefix, b.Name, "service", svc)
}

// TranslateConnector emits the Service fronting a connector. Imported
// connectors are already served by their implementation; they only get
// the ConfigMap pointing the implementation at its outputs.
func (a *Adapter) TranslateConnector(_ context.Context, conn *engine.ConnectorInstance, typ *config.ComponentSpec, parent *engine.CompositeInstance, source engine.Source, adjacents []engine.Adjacent, _ engine.Options) ([]engine.Artifact, error) {
	path := parent.ChildPath(conn.Name)
	name := command.ServiceName(path)

	if typ != nil {
		routes := &corev1.ConfigMap{
			TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
			ObjectMeta: metav1.ObjectMeta{Name: name + "-routes", Labels: objectLabels(name, path, conn.Labels)},
			Data:       map[string]string{},
		}
		for _, kv := range command.PeerEnv(adjacents) {
			routes.Data[kv[0]] = kv[1]
		}
		return emit(nil, parent.Path(), conn.Name, "routes", routes)
	}

	labels := objectLabels(name, path, conn.Labels)
	delete(labels, LabelInstance)
	svc := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels, Annotations: map[string]string{}},
	}
	if source.Upstream != nil {
		svc.Annotations["forge.io/upstream"] = source.Upstream.Path()
	}

	targetPort := conn.Protocol.Port
	switch {
	case len(adjacents) == 1 && adjacents[0].Type == engine.AdjacentConnector:
		svc.Spec.Type = corev1.ServiceTypeExternalName
		svc.Spec.ExternalName = fmt.Sprintf("%s.%s.svc.cluster.local", command.ServiceName(adjacents[0].Path()), command.ServiceName(rootName(parent)))
	default:
		targets := make([]string, 0, len(adjacents))
		for _, adj := range adjacents {
			if adj.Type != engine.AdjacentBasic {
				return nil, errdefs.Newf(errdefs.KindUnsupportedValue,
					"connector %q mixes connector and instance targets", conn.Name).WithPath(path)
			}
			targets = append(targets, command.ServiceName(adj.Path()))
			targetPort = adj.Protocol.Port
		}
		svc.Spec.Selector = map[string]string{ConnectorLabelPrefix + name: "true"}
		svc.Annotations[AnnotationTargets] = strings.Join(targets, ",")
	}

	port := corev1.ServicePort{
		Name:       "traffic",
		Port:       int32(conn.Protocol.Port),
		TargetPort: intstr.FromInt32(int32(targetPort)),
	}

	var ingress *networkingv1.Ingress
	if ep := source.Entrypoint; ep != nil && ep.Publish {
		if ep.Path == "" {
			svc.Spec.Type = corev1.ServiceTypeLoadBalancer
			port.Port = int32(ep.Protocol.Port)
		} else {
			prefix := networkingv1.PathTypePrefix
			ingress = &networkingv1.Ingress{
				TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "Ingress"},
				ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
				Spec: networkingv1.IngressSpec{
					Rules: []networkingv1.IngressRule{{
						IngressRuleValue: networkingv1.IngressRuleValue{
							HTTP: &networkingv1.HTTPIngressRuleValue{
								Paths: []networkingv1.HTTPIngressPath{{
									Path:     ep.Path,
									PathType: &prefix,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name,
											Port: networkingv1.ServiceBackendPort{Number: int32(conn.Protocol.Port)},
										},
									},
								}},
							},
						},
					}},
				},
			}
		}
	}
	svc.Spec.Ports = []corev1.ServicePort{port}

	artifacts, err := emit(nil, parent.Path(), conn.Name, "service", svc)
	if err != nil || ingress == nil {
		return artifacts, err
	}
	return emit(artifacts, parent.Path(), conn.Name, "ingress", ingress)
}

// PackArtifacts labels the pods every connector Service selects and adds
// the kustomization listing all objects.
func (a *Adapter) PackArtifacts(_ context.Context, artifacts []engine.Artifact, _ engine.Options) ([]engine.Artifact, error) {
	routes := map[string][]string{}
	namespace := ""
	for _, art := range artifacts {
		switch art.Type {
		case "namespace":
			namespace = command.ServiceName(art.Name)
		case "service":
			svc := &corev1.Service{}
			if err := yaml.Unmarshal(art.Content, svc); err != nil {
				return nil, errdefs.Wrap(errdefs.KindInternal, "failed to read service", err)
			}
			targets := svc.Annotations[AnnotationTargets]
			if targets == "" {
				continue
			}
			for _, target := range strings.Split(targets, ",") {
				routes[target] = append(routes[target], ConnectorLabelPrefix+svc.Name)
			}
		}
	}
	if namespace == "" {
		return nil, errdefs.New(errdefs.KindInternal, "namespace artifact is missing")
	}

	out := make([]engine.Artifact, 0, len(artifacts)+1)
	resources := make([]string, 0, len(artifacts))
	for _, art := range artifacts {
		if art.Type == "deployment" {
			patched, err := labelPods(art, routes)
			if err != nil {
				return nil, err
			}
			art = patched
		}
		out = append(out, art)
		resources = append(resources, art.FileName())
	}

	kustomization := &Kustomization{
		APIVersion:   "kustomize.config.k8s.io/v1beta1",
		Kind:         "Kustomization",
		Namespace:    namespace,
		CommonLabels: map[string]string{"app.kubernetes.io/managed-by": "forge", "app.kubernetes.io/part-of": namespace},
		Resources:    resources,
	}
	content, err := yaml.Marshal(kustomization)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "failed to encode kustomization", err)
	}
	return append(out, engine.Artifact{Name: "kustomization", Type: "kustomization", Suffix: ".yaml", Content: content}), nil
}

// DeployCommand implements command.Adapter.
func (a *Adapter) DeployCommand(_ []engine.Artifact, _ engine.Options) (command.Command, error) {
	return command.Command{Name: "kubectl", Args: []string{"apply", "-k", "."}}, nil
}

// UndeployCommand implements command.Adapter.
func (a *Adapter) UndeployCommand(_ []engine.Artifact, _ engine.Options) (command.Command, error) {
	return command.Command{Name: "kubectl", Args: []string{"delete", "-k", ".", "--ignore-not-found"}}, nil
}

// DeployArtifacts runs "kubectl apply -k" in the output directory.
func (a *Adapter) DeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return command.Deploy(ctx, a.runnerFor(opts), a, artifacts, opts)
}

// UndeployArtifacts runs "kubectl delete -k" in the output directory.
func (a *Adapter) UndeployArtifacts(ctx context.Context, artifacts []engine.Artifact, opts engine.Options) error {
	return command.Undeploy(ctx, a.runnerFor(opts), a, artifacts, opts)
}

func (a *Adapter) runnerFor(opts engine.Options) command.Runner {
	if a.runner != nil {
		return a.runner
	}
	return command.Local{Logger: opts.Logger}
}

func labelPods(art engine.Artifact, routes map[string][]string) (engine.Artifact, error) {
	d := &appsv1.Deployment{}
	if err := yaml.Unmarshal(art.Content, d); err != nil {
		return art, errdefs.Wrap(errdefs.KindInternal, "failed to read deployment", err)
	}
	keys := routes[d.Name]
	if len(keys) == 0 {
		return art, nil
	}
	sort.Strings(keys)
	for _, key := range keys {
		d.Spec.Template.Labels[key] = "true"
	}
	content, err := yaml.Marshal(d)
	if err != nil {
		return art, errdefs.Wrap(errdefs.KindInternal, "failed to encode deployment", err)
	}
	art.Content = content
	return art, nil
}

func emit(artifacts []engine.Artifact, prefix, name, kind string, obj interface{}) ([]engine.Artifact, error) {
	content, err := yaml.Marshal(obj)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, fmt.Sprintf("failed to encode %s", kind), err).
			WithPath(engine.JoinPath(prefix, name))
	}
	typ := kind
	if i := strings.LastIndex(kind, "."); i >= 0 {
		typ = kind[i+1:]
	}
	return append(artifacts, engine.Artifact{
		Prefix:  prefix,
		Name:    name,
		Type:    typ,
		Suffix:  "." + kind + ".yaml",
		Content: content,
	}), nil
}

func objectLabels(name, path string, extra config.Map[string]) map[string]string {
	labels := map[string]string{
		"app.kubernetes.io/name": name,
		LabelInstance:            name,
		LabelPath:                path,
	}
	for _, key := range extra.Keys() {
		labels[key], _ = extra.Get(key)
	}
	return labels
}

func rootName(c *engine.CompositeInstance) string {
	for c.Parent != nil {
		c = c.Parent
	}
	return c.Name
}

// requirements maps "[min:max]" cpu and memory ranges to requests and
// limits. Memory is in megabytes.
func requirements(m config.Map[string]) (corev1.ResourceRequirements, error) {
	var req corev1.ResourceRequirements
	set := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("%s %q: %w", name, value, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}

	if cpu, ok := m.Get(string(engine.ResourceCPU)); ok {
		if r, ok := engine.ParseRange(cpu); ok {
			if err := set(&req.Requests, corev1.ResourceCPU, r.Min); err != nil {
				return req, err
			}
			if err := set(&req.Limits, corev1.ResourceCPU, r.Max); err != nil {
				return req, err
			}
		}
	}
	if mem, ok := m.Get(string(engine.ResourceMemory)); ok {
		if r, ok := engine.ParseRange(mem); ok {
			if err := set(&req.Requests, corev1.ResourceMemory, mebibytes(r.Min)); err != nil {
				return req, err
			}
			if err := set(&req.Limits, corev1.ResourceMemory, mebibytes(r.Max)); err != nil {
				return req, err
			}
		}
	}
	return req, nil
}

func mebibytes(v string) string {
	if v == "" {
		return ""
	}
	return v + "Mi"
}

// volume maps v to a pod volume. tmpfs volumes are memory backed,
// ephemeral ones are empty dirs and permanent ones get a claim.
func volume(service string, v engine.VolumeSpec, opts engine.Options) (corev1.Volume, corev1.VolumeMount, *corev1.PersistentVolumeClaim) {
	name := command.ServiceName(v.Name)
	target := v.Path
	if target == "" {
		target = "/data/" + v.Name
	}
	mount := corev1.VolumeMount{Name: name, MountPath: target}

	switch {
	case v.Type == "tmpfs":
		return corev1.Volume{Name: name, VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory},
		}}, mount, nil
	case v.Durability != engine.DurabilityPermanent:
		return corev1.Volume{Name: name, VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{},
		}}, mount, nil
	}

	claimName := service + "-" + name
	access := corev1.ReadWriteOnce
	if v.Scope == engine.ScopeGlobal {
		access = corev1.ReadWriteMany
	}
	claim := &corev1.PersistentVolumeClaim{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{Name: claimName, Annotations: map[string]string{}},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{access},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse(DefaultVolumeSize)},
			},
		},
	}
	if storage := firstNonEmpty(v.URL, opts.StorageURL); storage != "" {
		claim.Annotations["forge.io/storage"] = storage
	}
	return corev1.Volume{Name: name, VolumeSource: corev1.VolumeSource{
		PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName},
	}}, mount, claim
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hasPort(ports []corev1.ServicePort, port int32) bool {
	for _, p := range ports {
		if p.Port == port {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
