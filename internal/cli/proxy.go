package cli

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kubef-dev/kubef/internal/forwarder"
	"github.com/kubef-dev/kubef/internal/proxy"
)

func newProxyCommand(log logrus.FieldLogger) *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "spawn an in-cluster relay and forward local traffic through it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Aliases: []string{"b"}, Required: true},
			&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Required: true},
			&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Value: "default"},
			&cli.StringFlag{Name: "context", Aliases: []string{"c"}},
			&cli.StringFlag{Name: "protocol", Aliases: []string{"p"}, Value: "tcp"},
		},
		Action: func(c *cli.Context) error {
			return runProxy(c.Context, log, c.String("bind"), c.String("target"),
				c.String("namespace"), c.String("context"), c.String("protocol"))
		},
	}
}

func runProxy(ctx context.Context, log logrus.FieldLogger, bind, target, namespace, kubeContext, protocol string) error {
	destination, err := net.ResolveTCPAddr("tcp", target)
	if err != nil {
		return errors.Wrapf(err, "invalid target address %q", target)
	}

	pool := newClientPool()

	var client, clientErr = pool.GetDefault()
	if kubeContext != "" {
		client, clientErr = pool.GetOrInsert(kubeContext)
	}
	if clientErr != nil {
		return errors.Wrap(clientErr, "failed to obtain kube client")
	}

	api := client.Clientset.CoreV1().Pods(namespace)
	p := proxy.New(api)

	if err := p.Spawn(ctx, destination, protocol); err != nil {
		return err
	}
	defer func() {
		if err := p.Close(context.Background()); err != nil {
			log.WithError(err).Warn("failed to clean up relay pod")
		}
	}()

	podName, err := waitRunning(ctx, api, p.ID)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", bind)
	}
	defer listener.Close()

	log.WithField("bind", bind).WithField("pod", podName).Info("proxy ready")

	forwardCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		forwarder.ForwardStatic(forwardCtx, log, client, namespace, podName, proxy.Port, listener)
	}()

	sig, stop := notifyShutdown()
	defer stop()

	exitCh := make(chan error, 1)
	go func() { exitCh <- p.WaitUntilExit(ctx) }()

	select {
	case <-sig:
	case <-ctx.Done():
	case <-exitCh:
		log.Warn("relay pod exited unexpectedly")
	}

	// stop accepting and wait for in-flight connections to drain before
	// the deferred Close deletes the relay pod
	cancel()
	_ = listener.Close()
	<-forwardDone

	return nil
}

// podGetter is the subset of typedcorev1.PodInterface waitRunning
// needs, kept narrow so it's trivially fakeable in tests.
type podGetter interface {
	Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
}

// waitRunning blocks until the relay pod labeled kubef.io/id=id
// reaches a named, running state, returning its pod name.
func waitRunning(ctx context.Context, api podGetter, id string) (string, error) {
	w, err := api.Watch(ctx, metav1.ListOptions{LabelSelector: "kubef.io/id=" + id})
	if err != nil {
		return "", errors.Wrap(err, "failed to watch for relay pod readiness")
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return "", errors.New("relay pod watch closed before pod became ready")
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if pod.Status.Phase == corev1.PodRunning {
				return pod.Name, nil
			}
		}
	}
}
