/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/controller"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/impact"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/poller"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
	"github.com/headwind-sh/headwind/internal/registry/chart"
	"github.com/headwind-sh/headwind/internal/registry/creds"
	"github.com/headwind-sh/headwind/internal/registry/oci"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(headwindv1alpha1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func main() {
	var metricsAddr string
	var probeAddr string
	var webhookAddr string
	var approvalAddr string
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":9090", "The address the metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8082", "The address the probe endpoint binds to.")
	flag.StringVar(&webhookAddr, "webhook-bind-address", ":8080", "The address the registry webhook endpoint binds to.")
	flag.StringVar(&approvalAddr, "approval-bind-address", ":8081", "The address the approval API endpoint binds to.")
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	ctx := ctrl.SetupSignalHandler()

	cfg := config.FromConfigMapData(config.FromEnv(config.Default()), nil)
	cfgStore := config.NewStore(cfg)

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		HealthProbeBindAddress: probeAddr,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	m := metrics.New()
	m.Register()

	notifier := notify.Multi{Sinks: []notify.Sink{notify.NewLogSink(setupLog)}}

	engine := policy.NewEngine()
	rollbacker := health.NewRollbacker(mgr.GetClient())
	monitor := health.NewMonitor(mgr.GetClient(), rollbacker, notifier, m)

	deploymentCore := controller.NewPodWorkloadReconciler(mgr.GetClient(), controller.NewDeploymentAccessor(), engine, notifier, m, monitor)
	statefulSetCore := controller.NewPodWorkloadReconciler(mgr.GetClient(), controller.NewStatefulSetAccessor(), engine, notifier, m, monitor)
	daemonSetCore := controller.NewPodWorkloadReconciler(mgr.GetClient(), controller.NewDaemonSetAccessor(), engine, notifier, m, monitor)
	helmCore := controller.NewHelmReleaseReconciler(mgr.GetClient(), engine, notifier, m, monitor)

	deploymentReconciler := controller.NewDeploymentReconciler(deploymentCore)
	statefulSetReconciler := controller.NewStatefulSetReconciler(statefulSetCore)
	daemonSetReconciler := controller.NewDaemonSetReconciler(daemonSetCore)

	if err := deploymentReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Deployment")
		os.Exit(1)
	}
	if err := statefulSetReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "StatefulSet")
		os.Exit(1)
	}
	if err := daemonSetReconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "DaemonSet")
		os.Exit(1)
	}
	if err := helmCore.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "HelmRelease")
		os.Exit(1)
	}
	//+kubebuilder:scaffold:builder

	pipeline := events.NewPipeline()
	pipeline.Register(deploymentCore)
	pipeline.Register(statefulSetCore)
	pipeline.Register(daemonSetCore)
	pipeline.Register(helmCore)

	credResolver := creds.NewResolver(mgr.GetClient())
	ociClient := oci.NewClient()
	chartClient := chart.NewClient(ociClient)

	pollInterval := time.Duration(cfgStore.Load().PollingIntervalSeconds) * time.Second
	p := poller.New(pollInterval, ociClient, chartClient, credentialAdapter{resolver: credResolver, ecrRoleArn: cfgStore.Load().ECRRoleArn}, pipeline, m)
	p.ImageSources = []poller.ImageSource{deploymentCore, statefulSetCore, daemonSetCore}
	p.ChartSources = []poller.ChartSource{helmCore}

	stateMachine := approval.NewStateMachine(mgr.GetClient(), approval.NewWorkloadPatcher(mgr.GetClient()), notifier)
	impactIndex := impact.NewIndex(mgr.GetClient(), 5*time.Minute)
	approvalAPI := approval.NewAPI(mgr.GetClient(), stateMachine, rollbacker, impactIndex)

	wh := events.NewWebhook(pipeline, cfgStore.Load().WebhookSecret)

	if err := mgr.Add(httpRunnable{addr: webhookAddr, handler: wh.Router()}); err != nil {
		setupLog.Error(err, "unable to add webhook server")
		os.Exit(1)
	}
	if err := mgr.Add(httpRunnable{addr: approvalAddr, handler: approvalAPI.Router()}); err != nil {
		setupLog.Error(err, "unable to add approval API server")
		os.Exit(1)
	}
	if err := mgr.Add(pipelineRunnable{pipeline: pipeline}); err != nil {
		setupLog.Error(err, "unable to add event pipeline")
		os.Exit(1)
	}
	if cfgStore.Load().PollingEnabled {
		if err := mgr.Add(pollerRunnable{poller: p}); err != nil {
			setupLog.Error(err, "unable to add poller")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// httpRunnable adapts a plain http.Handler to manager.Runnable so the
// webhook and approval API servers share the manager's lifecycle and
// graceful shutdown.
type httpRunnable struct {
	addr    string
	handler http.Handler
}

func (h httpRunnable) Start(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type pipelineRunnable struct {
	pipeline *events.Pipeline
}

func (p pipelineRunnable) Start(ctx context.Context) error {
	p.pipeline.Run(ctx)
	return nil
}

type pollerRunnable struct {
	poller *poller.Poller
}

func (p pollerRunnable) Start(ctx context.Context) error {
	p.poller.Run(ctx)
	return nil
}

// credentialAdapter resolves pull secrets from the target namespace's
// "default" ServiceAccount, matching the implicit imagePullSecrets a pod
// scheduled in that namespace would use. Amazon ECR hosts fall back to the
// ecr:GetAuthorizationToken flow when no pull secret supplies a token,
// covering clusters that rely on node/pod IAM rather than a mirrored
// imagePullSecret.
type credentialAdapter struct {
	resolver   *creds.Resolver
	ecrRoleArn string
}

func (c credentialAdapter) For(ctx context.Context, namespace, registryHost string) (registry.Credentials, error) {
	set, err := c.resolver.ForServiceAccount(ctx, namespace, "default")
	if err != nil {
		return registry.Credentials{}, err
	}

	resolved := set.For(registryHost)
	if resolved.Username != "" {
		return resolved, nil
	}

	if region, ok := creds.ParseECRRegion(registryHost); ok {
		provider := creds.NewECRProvider(creds.ECRAuthConfig{Region: region, RoleArn: c.ecrRoleArn})
		return provider.Credentials(ctx)
	}

	return resolved, nil
}
