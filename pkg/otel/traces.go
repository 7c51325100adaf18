package otel

const (
	Prefix                        = "bpmn-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessId            = Prefix + "process-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeElementId            = Prefix + "element-id"
	AttributeElementKey           = Prefix + "element-key"
	AttributeElementKind          = Prefix + "element-kind"
	AttributeTaskKey              = Prefix + "task-key"
	AttributeMessageName          = Prefix + "message-name"
	AttributeSignalName           = Prefix + "signal-name"
	AttributeTimerKey             = Prefix + "timer-key"
)
