package caps

import "fmt"

// NotFoundError reports a tool name absent from the capability snapshot.
// It is resolved locally, before any RPC is issued.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("caps: unknown tool %q", e.Tool)
}

// SchemaError reports arguments that violate the advertised input schema.
// Like NotFoundError it never reaches the tool server.
type SchemaError struct {
	Tool    string
	Details string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("caps: arguments for %q violate schema: %s", e.Tool, e.Details)
}

// ToolExecutionError reports a tool that ran on the remote side and
// reported failure. The output is injected into the conversation so the
// model can adapt.
type ToolExecutionError struct {
	Tool   string
	Output string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("caps: tool %q failed: %s", e.Tool, e.Output)
}
