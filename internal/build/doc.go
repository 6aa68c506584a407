// Package build turns instruction lists into images.
//
// A [Builder] runs a small state machine over [Instruction] values. The
// first instruction must be FROM, naming a base image in the manifest store
// or "scratch". RUN executes a shell command through a [runtime.Executor] in
// a materialized copy of the current filesystem and records the changes as
// a layer; COPY takes a file or directory from the build context and records
// it as a layer. WORKDIR, ENV, CMD, SHELL and STOPSIGNAL only change the
// configuration of the resulting image.
//
// When every instruction has succeeded the image is registered under the
// requested name and tag in one step. A failing build registers nothing;
// the layers it produced stay unreferenced in the layer store until
// [layer.Store.Prune] collects them. Layers are leased while the build runs,
// so a concurrent prune never removes them from under it.
//
// Instructions come either from Go values or from a YAML build file:
//
//	instructions, err := build.LoadFile("stevedore.yaml")
//	if err != nil {
//	    return err
//	}
//	res, err := builder.Build(ctx, build.Options{
//	    Name:         "app",
//	    Tag:          "v1",
//	    Context:      ".",
//	    Instructions: instructions,
//	})
package build
