// Package kubernetes is the cluster-backed ContainerRuntime. Each
// deployment becomes a single-replica Deployment plus a NodePort Service
// pinned to the allocated port, so the tunnel side works the same as with
// the docker backend. The port range must be configured inside the
// cluster's NodePort range for this backend.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"

	"deployd/internal/config"
	"deployd/internal/core/deployments"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	namespace = "deployd"
	appLabel  = "aphrodite-engine"
)

type Client struct {
	clientset *kubernetes.Clientset
	cfg       config.Config
	lg        zerolog.Logger
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Client{
		clientset: clientset,
		cfg:       cfg,
		lg:        lg.With().Str("adapter", "kubernetes").Logger(),
	}, nil
}

// Start creates the Deployment and its Service. The deployment's container
// name doubles as the ref.
func (c *Client) Start(ctx context.Context, d deployments.Deployment, req deployments.Request) (string, error) {
	labels := map[string]string{"app": appLabel, "deploy": d.ID}

	token := req.HuggingFaceToken
	if token == "" {
		token = c.cfg.HuggingFaceToken
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: d.ContainerName, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: apiv1.PodSpec{
					Containers: []apiv1.Container{{
						Name:  "engine",
						Image: c.cfg.EngineImage,
						Env: []apiv1.EnvVar{
							{Name: "MODEL_ID", Value: d.ModelID},
							{Name: "USER_ID", Value: d.UserID},
							{Name: "DEPLOYMENT_ID", Value: d.ID},
							{Name: "HOST_PORT", Value: strconv.Itoa(d.Port)},
							{Name: "HUGGINGFACE_TOKEN", Value: token},
						},
						Ports: []apiv1.ContainerPort{{ContainerPort: int32(c.cfg.ContainerPort)}},
					}},
				},
			},
		},
	}
	_, err := c.clientset.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return "", c.apiErr("create deployment", err)
	}

	service := &apiv1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: serviceName(d.ID), Namespace: namespace, Labels: labels},
		Spec: apiv1.ServiceSpec{
			Selector: labels,
			Type:     apiv1.ServiceTypeNodePort,
			Ports: []apiv1.ServicePort{{
				Port:       int32(c.cfg.ContainerPort),
				TargetPort: intstr.FromInt(c.cfg.ContainerPort),
				NodePort:   int32(d.Port),
			}},
		},
	}
	_, err = c.clientset.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		_ = c.Stop(ctx, d.ContainerName)
		return "", c.apiErr("create service", err)
	}

	c.lg.Info().Str("deployment", d.ContainerName).Int("node_port", d.Port).
		Msg("created kubernetes deployment and service")
	return d.ContainerName, nil
}

// Status derives the container phase from the Deployment and its pod.
func (c *Client) Status(ctx context.Context, ref string) (deployments.ContainerState, error) {
	dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return deployments.ContainerState{Phase: deployments.ContainerMissing}, nil
		}
		return deployments.ContainerState{}, c.apiErr("get deployment", err)
	}
	if dep.Status.ReadyReplicas > 0 {
		return deployments.ContainerState{Phase: deployments.ContainerRunning}, nil
	}

	pod, err := c.firstPod(ctx, ref)
	if err != nil || pod == nil {
		return deployments.ContainerState{Phase: deployments.ContainerStarting}, nil
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if term := cs.State.Terminated; term != nil {
			return deployments.ContainerState{
				Phase:    deployments.ContainerExited,
				ExitCode: int(term.ExitCode),
			}, nil
		}
	}
	return deployments.ContainerState{Phase: deployments.ContainerStarting}, nil
}

// Stop deletes the Deployment and Service. Missing resources are fine.
func (c *Client) Stop(ctx context.Context, ref string) error {
	var serviceID string
	if dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, ref, metav1.GetOptions{}); err == nil {
		serviceID = dep.Labels["deploy"]
	}

	policy := metav1.DeletePropagationForeground
	err := c.clientset.AppsV1().Deployments(namespace).Delete(ctx, ref, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return c.apiErr("delete deployment", err)
	}

	if serviceID != "" {
		err = c.clientset.CoreV1().Services(namespace).Delete(ctx, serviceName(serviceID), metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			return c.apiErr("delete service", err)
		}
	}
	c.lg.Info().Str("deployment", ref).Msg("deleted kubernetes resources")
	return nil
}

// Logs returns the engine pod's log tail.
func (c *Client) Logs(ctx context.Context, ref string) (string, error) {
	pod, err := c.firstPod(ctx, ref)
	if err != nil {
		return "", err
	}
	if pod == nil {
		return "", fmt.Errorf("no pod found for %s", ref)
	}
	tail := int64(500)
	raw, err := c.clientset.CoreV1().Pods(namespace).
		GetLogs(pod.Name, &apiv1.PodLogOptions{TailLines: &tail}).
		Do(ctx).Raw()
	if err != nil {
		return "", c.apiErr("pod logs", err)
	}
	return string(raw), nil
}

func (c *Client) firstPod(ctx context.Context, ref string) (*apiv1.Pod, error) {
	dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		return nil, c.apiErr("get deployment", err)
	}
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "deploy=" + dep.Labels["deploy"],
	})
	if err != nil {
		return nil, c.apiErr("list pods", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

func (c *Client) apiErr(op string, err error) error {
	if k8serrors.IsServerTimeout(err) || k8serrors.IsServiceUnavailable(err) || k8serrors.IsTimeout(err) {
		return fmt.Errorf("%s: %w: %v", op, deployments.ErrRuntimeUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func serviceName(deploymentID string) string { return "svc-" + deploymentID }

func int32Ptr(i int32) *int32 { return &i }
