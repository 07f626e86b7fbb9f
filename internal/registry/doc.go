// Package registry tracks which provider exposes which tool.
//
// All mutations run on one writer goroutine. Each successful mutation
// publishes a new immutable Snapshot through an atomic pointer, so Lookup and
// ListAll never block on registration churn and always observe a
// self-consistent set. Snapshots carry a generation counter that increases by
// one per published mutation.
//
//	reg := registry.New(logger)
//	defer reg.Close()
//
//	_ = reg.Register(registry.ToolDescriptor{Name: "echo", ProviderID: "echo"})
//	desc, err := reg.Lookup("echo")
package registry
