package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	k8sretry "k8s.io/client-go/util/retry"
)

// Kubernetes treats each privileged role as a ClusterRoleBinding of the same
// name. Its User subjects are the role's members. The binding itself, and the
// ClusterRole it references, are managed outside the orchestrator.
type Kubernetes struct {
	clientset kubernetes.Interface
	logger    zerolog.Logger
}

// KubernetesConfig holds cluster connection settings.
type KubernetesConfig struct {
	KubeconfigPath string
}

// NewKubernetes creates an adapter from a kubeconfig file or in-cluster config.
func NewKubernetes(cfg KubernetesConfig, logger zerolog.Logger) (*Kubernetes, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}
	return NewKubernetesFromInterface(cs, logger), nil
}

// NewKubernetesFromInterface wraps an existing clientset (for testing).
func NewKubernetesFromInterface(cs kubernetes.Interface, logger zerolog.Logger) *Kubernetes {
	return &Kubernetes{
		clientset: cs,
		logger:    logger.With().Str("component", "directory").Str("backend", "kubernetes").Logger(),
	}
}

func userSubject(principal string) rbacv1.Subject {
	return rbacv1.Subject{Kind: rbacv1.UserKind, APIGroup: rbacv1.GroupName, Name: principal}
}

func isUser(s rbacv1.Subject, principal string) bool {
	return s.Kind == rbacv1.UserKind && s.Name == principal
}

func (k *Kubernetes) AddMember(ctx context.Context, role, principal string) (Result, error) {
	result := Success
	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		crb, err := k.clientset.RbacV1().ClusterRoleBindings().Get(ctx, role, metav1.GetOptions{})
		if err != nil {
			return err
		}
		for _, s := range crb.Subjects {
			if isUser(s, principal) {
				result = AlreadyMember
				return nil
			}
		}
		crb.Subjects = append(crb.Subjects, userSubject(principal))
		_, err = k.clientset.RbacV1().ClusterRoleBindings().Update(ctx, crb, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return 0, classifyK8s(OpAdd, role, principal, err)
	}

	k.logger.Info().Str("role", role).Str("principal", principal).Str("result", result.String()).Msg("binding subject added")
	return result, nil
}

func (k *Kubernetes) RemoveMember(ctx context.Context, role, principal string) (Result, error) {
	result := Success
	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		crb, err := k.clientset.RbacV1().ClusterRoleBindings().Get(ctx, role, metav1.GetOptions{})
		if err != nil {
			return err
		}
		kept := crb.Subjects[:0]
		found := false
		for _, s := range crb.Subjects {
			if isUser(s, principal) {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		if !found {
			result = NotMember
			return nil
		}
		crb.Subjects = kept
		_, err = k.clientset.RbacV1().ClusterRoleBindings().Update(ctx, crb, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return 0, classifyK8s(OpRemove, role, principal, err)
	}

	k.logger.Info().Str("role", role).Str("principal", principal).Str("result", result.String()).Msg("binding subject removed")
	return result, nil
}

func (k *Kubernetes) ListMembers(ctx context.Context, role string) ([]string, error) {
	crb, err := k.clientset.RbacV1().ClusterRoleBindings().Get(ctx, role, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8s(OpList, role, "", err)
	}
	var out []string
	for _, s := range crb.Subjects {
		if s.Kind == rbacv1.UserKind {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// classifyK8s maps API errors onto the directory error classes. Client-side
// errors are definite; everything else leaves the outcome unknown.
func classifyK8s(op, role, principal string, err error) error {
	switch {
	case apierrors.IsNotFound(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err):
		return Rejected(op, role, principal, err)
	default:
		return Unavailable(op, role, principal, err)
	}
}
