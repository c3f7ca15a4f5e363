// Package engine wires all Conduct subsystems together and drives
// pipeline executions end to end.
//
// The engine package exists to break a fundamental import cycle: the root
// conduct package defines Entity (imported by pipeline, execution, etc.)
// and therefore cannot import those packages back. Engine sits above all
// subsystem packages and below the application layer.
//
// # Building an Engine
//
//	o, err := conduct.New(
//	    conduct.WithStore(pgStore),
//	    conduct.WithLogger(logger),
//	)
//
//	eng, err := engine.Build(o,
//	    engine.WithTransport(notify.NewRedisTransport(client)),
//	    engine.WithResolver(topicService),
//	    engine.WithInvoker(meshClient),
//	    engine.WithMiddleware(middleware.Timeout(logger, time.Minute)),
//	)
//
// # Registering Actions
//
//	eng.RegisterAction(buildMeta, func() (action.Executor, error) {
//	    return &BuildAction{}, nil
//	})
//	eng.RegisterManifest(plugin.Manifest())
//
// # Running Pipelines
//
//	exec, err := eng.SubmitPipeline(ctx, defID, params,
//	    engine.WithInitiator("user_42"),
//	    engine.WithSubscribers("sub_1", "sub_2"),
//	)
//
// Steps sharing a sequence fan out concurrently; a step starts only once
// every step at the previous sequence is terminal. Event-driven steps
// suspend awaiting an external completion signal routed back in through
// HandleEvent; expired deadlines are forced to timeout by the sweep.
package engine
