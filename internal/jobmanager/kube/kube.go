// Package kube runs deposit jobs as Kubernetes batch/v1 Jobs.
//
// Each deposit job becomes one Job object named after a sanitised, hashed
// form of the deposit job id. Status is read from the Job's conditions;
// a missing object means the deposit job is unknown.
package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/ChuLiYu/archive-deposit/internal/job"
)

const (
	LabelJobType     = "archive-deposit/job-type"
	LabelManaged     = "archive-deposit/managed"
	AnnotationJobID  = "archive-deposit/job-id"
	containerName    = "tool"
	maxNameLength    = 63
	hashSuffixLength = 10
)

// Mount is a persistent volume claim mounted into every job pod.
type Mount struct {
	ClaimName string
	MountPath string
	ReadOnly  bool
}

// Config Kubernetes 後端配置
type Config struct {
	Namespace          string
	Image              string
	ServiceAccount     string
	Mounts             []Mount
	TTLAfterFinished   *int32 // 完成的 Job 過期後 GetJobStatus 回傳 nil
	ActiveDeadlineSecs *int64
}

// Manager implements jobmanager.Manager on top of a Kubernetes clientset.
type Manager struct {
	client k8s.Interface
	config Config
}

func New(client k8s.Interface, config Config) *Manager {
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	return &Manager{client: client, config: config}
}

// StartJob creates the Job object. An existing object with the same name is
// treated as already started.
func (m *Manager) StartJob(ctx context.Context, j job.Job) error {
	spec := m.jobSpec(j)
	_, err := m.client.BatchV1().Jobs(m.config.Namespace).Create(ctx, spec, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kube: create job %s: %w", spec.Name, err)
	}
	slog.Info("Kubernetes job created", "jobID", j.ID(), "name", spec.Name)
	return nil
}

func (m *Manager) GetJobStatus(ctx context.Context, id job.ID) (*job.Status, error) {
	kj, err := m.client.BatchV1().Jobs(m.config.Namespace).Get(ctx, Name(id), kubeapimeta.GetOptions{})
	if kubeerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kube: get job %s: %w", Name(id), err)
	}
	return toStatus(id, kj), nil
}

// CountRunning counts non-terminal jobs of the given type in the namespace.
func (m *Manager) CountRunning(ctx context.Context, jobType string) (int, error) {
	selector := labels.SelectorFromSet(labels.Set{
		LabelManaged: "true",
		LabelJobType: labelValue(jobType),
	})
	list, err := m.client.BatchV1().Jobs(m.config.Namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return 0, fmt.Errorf("kube: list jobs of type %s: %w", jobType, err)
	}

	n := 0
	for i := range list.Items {
		if phaseOf(&list.Items[i]) == job.PhaseQueued || phaseOf(&list.Items[i]) == job.PhaseRunning {
			n++
		}
	}
	return n, nil
}

// CancelJob deletes the Job and its pods.
func (m *Manager) CancelJob(ctx context.Context, id job.ID) error {
	background := kubeapimeta.DeletePropagationBackground
	err := m.client.BatchV1().Jobs(m.config.Namespace).Delete(ctx, Name(id), kubeapimeta.DeleteOptions{
		PropagationPolicy: &background,
	})
	if err != nil && !kubeerr.IsNotFound(err) {
		return fmt.Errorf("kube: delete job %s: %w", Name(id), err)
	}
	return nil
}

// ============================================================================
// Job spec
// ============================================================================

func (m *Manager) jobSpec(j job.Job) *kubebatch.Job {
	zero := int32(0)

	env := make([]kubecore.EnvVar, 0)
	for k, v := range j.Env() {
		env = append(env, kubecore.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(a, b int) bool { return env[a].Name < env[b].Name })

	var volumes []kubecore.Volume
	var mounts []kubecore.VolumeMount
	for i, mt := range m.config.Mounts {
		name := fmt.Sprintf("data-%d", i)
		volumes = append(volumes, kubecore.Volume{
			Name: name,
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
					ClaimName: mt.ClaimName,
					ReadOnly:  mt.ReadOnly,
				},
			},
		})
		mounts = append(mounts, kubecore.VolumeMount{Name: name, MountPath: mt.MountPath, ReadOnly: mt.ReadOnly})
	}

	lbls := map[string]string{
		LabelManaged: "true",
		LabelJobType: labelValue(j.Type()),
	}

	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:        Name(j.ID()),
			Namespace:   m.config.Namespace,
			Labels:      lbls,
			Annotations: map[string]string{AnnotationJobID: string(j.ID())},
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit:            &zero,
			TTLSecondsAfterFinished: m.config.TTLAfterFinished,
			ActiveDeadlineSeconds:   m.config.ActiveDeadlineSecs,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: lbls},
				Spec: kubecore.PodSpec{
					RestartPolicy:      kubecore.RestartPolicyNever,
					ServiceAccountName: m.config.ServiceAccount,
					Volumes:            volumes,
					Containers: []kubecore.Container{
						{
							Name:         containerName,
							Image:        m.config.Image,
							Command:      []string{j.Command()},
							Args:         j.Args(),
							WorkingDir:   j.WorkingDir(),
							Env:          env,
							VolumeMounts: mounts,
						},
					},
				},
			},
		},
	}
}

// ============================================================================
// Status
// ============================================================================

func toStatus(id job.ID, kj *kubebatch.Job) *job.Status {
	s := &job.Status{
		ID:    id,
		Type:  kj.Labels[LabelJobType],
		Phase: phaseOf(kj),
	}
	for _, c := range kj.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		if c.Type == kubebatch.JobComplete || c.Type == kubebatch.JobFailed {
			s.Output = strings.TrimSpace(c.Reason + " " + c.Message)
			s.UpdatedAt = c.LastTransitionTime.Time
			if c.Type == kubebatch.JobFailed {
				s.ExitCode = 1
			}
		}
	}
	if s.UpdatedAt.IsZero() && kj.Status.StartTime != nil {
		s.UpdatedAt = kj.Status.StartTime.Time
	}
	return s
}

func phaseOf(kj *kubebatch.Job) job.Phase {
	for _, c := range kj.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		switch c.Type {
		case kubebatch.JobComplete:
			return job.PhaseFinished
		case kubebatch.JobFailed:
			return job.PhaseFailed
		}
	}
	if kj.Status.Active > 0 {
		return job.PhaseRunning
	}
	return job.PhaseQueued
}

// ============================================================================
// Naming
// ============================================================================

// Name maps a deposit job id onto a DNS-1123 label: a readable prefix and a
// hash suffix so distinct ids never collide after sanitising.
func Name(id job.ID) string {
	sum := sha256.Sum256([]byte(id))
	suffix := hex.EncodeToString(sum[:])[:hashSuffixLength]

	prefix := sanitize(string(id))
	limit := maxNameLength - hashSuffixLength - 1
	if len(prefix) > limit {
		prefix = strings.TrimRight(prefix[:limit], "-")
	}
	if prefix == "" {
		return "job-" + suffix
	}
	return prefix + "-" + suffix
}

func sanitize(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out != "" && (out[0] < 'a' || out[0] > 'z') {
		out = "j" + out
	}
	return out
}

// labelValue keeps tool names within label value rules.
func labelValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-_.")
}
