package membership

// Protocol and delegate version bounds. Unlike the RPC protocol's min/max
// (pinned equal, see rpc.MinIPCVersion), the cluster wire protocol has
// carried a small number of backward-compatible revisions historically;
// flock speaks exactly one, so min==max here as well, but the separate
// names are kept since a future wire revision would only need to move
// ProtocolVersionMax.
const (
	ProtocolVersionMin        uint8 = 2
	ProtocolVersionMax        uint8 = 2
	ProtocolVersion2Compatible uint8 = 2

	DelegateVersionMin uint8 = 1
	DelegateVersionMax uint8 = 1
)
