package framedconn

// PromisePlugin is a named marker for the default inbound-queuing behavior
// built into Connection.WaitForMessage. The queuing itself lives on
// Connection (an unbuffered handoff would otherwise block the read loop on
// a slow consumer), but the plugin is still installed by New so that the
// "promise" name is present on the stack. It passes every frame through
// unchanged; removing it with RemovePlugin("promise") does not change
// delivery, and frames that reach the end of the stack are still queued for
// WaitForMessage.
type PromisePlugin struct{}

func (PromisePlugin) Name() string { return "promise" }

func (PromisePlugin) TransformIncoming(frame []byte) ([]byte, bool, error) {
	return frame, true, nil
}
