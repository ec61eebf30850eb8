// Package selector turns a config.ResourceSelector into a concrete
// Kubernetes label selector, inspecting Deployments/Services when the
// resource names one instead of listing labels directly.
package selector

import (
	"context"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/kubef-dev/kubef/internal/config"
)

// ErrResolver is wrapped around every failure this package returns.
var ErrResolver = errors.New("resolver error")

// Resolve produces a labels.Selector for the given selector spec,
// reaching out to the cluster for Deployment/Service/Hostname
// variants.
func Resolve(ctx context.Context, clientset kubernetes.Interface, namespace string, sel config.ResourceSelector) (labels.Selector, error) {
	switch sel.Type {
	case config.SelectorTypeLabel:
		return resolveLabel(sel)
	case config.SelectorTypeDeployment:
		return resolveDeployment(ctx, clientset, namespace, sel.Name)
	case config.SelectorTypeService:
		return resolveService(ctx, clientset, namespace, sel.Name)
	case config.SelectorTypeHostname:
		return resolveHostname(ctx, clientset, namespace, sel.Name)
	default:
		return nil, errors.Wrapf(ErrResolver, "unknown selector type %q", sel.Type)
	}
}

func resolveLabel(sel config.ResourceSelector) (labels.Selector, error) {
	set := make(labels.Set, len(sel.Labels))
	for _, pair := range sel.Labels {
		set[pair.Key] = pair.Value
	}
	return labels.SelectorFromSet(set), nil
}

func resolveDeployment(ctx context.Context, clientset kubernetes.Interface, namespace, name string) (labels.Selector, error) {
	deployment, err := clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(ErrResolver, "failed to get deployment %s/%s: %v", namespace, name, err)
	}

	if deployment.Spec.Selector == nil || len(deployment.Spec.Selector.MatchLabels) == 0 {
		return nil, errors.Wrapf(ErrResolver, "deployment %s/%s has no matchLabels selector", namespace, name)
	}

	// matchExpressions are intentionally dropped; see SPEC_FULL.md §9.
	return labels.SelectorFromSet(labels.Set(deployment.Spec.Selector.MatchLabels)), nil
}

func resolveService(ctx context.Context, clientset kubernetes.Interface, namespace, name string) (labels.Selector, error) {
	svc, err := clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(ErrResolver, "failed to get service %s/%s: %v", namespace, name, err)
	}

	if len(svc.Spec.Selector) == 0 {
		return nil, errors.Wrapf(ErrResolver, "service %s/%s has no selector", namespace, name)
	}

	return labels.SelectorFromSet(labels.Set(svc.Spec.Selector)), nil
}

func resolveHostname(ctx context.Context, clientset kubernetes.Interface, namespace, fqdn string) (labels.Selector, error) {
	if !govalidator.IsDNSName(fqdn) {
		return nil, errors.Wrapf(ErrResolver, "%q is not a valid hostname", fqdn)
	}

	name := strings.SplitN(fqdn, ".", 2)[0]
	return resolveService(ctx, clientset, namespace, name)
}
