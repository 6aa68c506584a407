// Package runtime creates and manages containers.
//
// A [Runtime] turns an image into a container: it loads the image's layers
// from the layer store, gives the container a private writable layer, and
// exposes the merged copy-on-write view through [Runtime.ReadFile] and
// friends. Starting a container materializes that view into a directory and
// hands it to an [Executor], which runs the process with whatever isolation
// the host provides. When the process exits, its filesystem changes are
// folded back into the writable layer.
//
// Container lifecycle:
//
//	created -> running -> exited | killed
//
// [Runtime.Stop] sends the image's stop signal and escalates to SIGKILL
// after a timeout; a container that had to be killed ends up in the killed
// state. Removing a running container fails with
// [ErrContainerStillRunning]. Removal discards the writable layer but never
// touches the image or its layers.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Options{
//	    Root:     "/var/lib/stevedore/containers",
//	    Layers:   layers,
//	    Images:   images,
//	    Executor: &runtime.HostExecutor{Isolate: true},
//	})
//	ctr, err := rt.Run(ctx, runtime.CreateOptions{Image: "app:latest"})
//	info, err := rt.Wait(ctx, ctr.ID)
package runtime
