package runtime

// VariableHolder is one variable scope (process instance or task) with a
// weak reference to its parent scope. Reads fall through to the parent,
// writes stay local unless explicitly propagated.
type VariableHolder struct {
	parent    *VariableHolder
	variables map[string]Variable
}

// NewVariableHolder creates a scope under parent and types the given raw
// values. A TypeMismatchError cannot happen here since every name is new,
// but inference still runs so declared types are fixed at creation.
func NewVariableHolder(parent *VariableHolder, rawValues map[string]interface{}) VariableHolder {
	variables := make(map[string]Variable, len(rawValues))
	for name, value := range rawValues {
		variables[name] = NewVariable(name, value)
	}
	return VariableHolder{
		parent:    parent,
		variables: variables,
	}
}

// NewVariableHolderFor wraps an already typed variable map as a scope.
// The map is shared, not copied, so writes through the holder land in
// the caller's map.
func NewVariableHolderFor(parent *VariableHolder, variables map[string]Variable) VariableHolder {
	if variables == nil {
		variables = make(map[string]Variable)
	}
	return VariableHolder{
		parent:    parent,
		variables: variables,
	}
}

func (vh *VariableHolder) Parent() *VariableHolder {
	return vh.parent
}

// Variables returns the local variables of this scope only.
func (vh *VariableHolder) Variables() map[string]Variable {
	if vh.variables == nil {
		vh.variables = make(map[string]Variable)
	}
	return vh.variables
}

// RawValues flattens the local variables into a plain name->value map,
// the shape expression evaluation and connectors work with.
func (vh *VariableHolder) RawValues() map[string]interface{} {
	values := make(map[string]interface{}, len(vh.variables))
	for name, v := range vh.variables {
		values[name] = v.Value
	}
	return values
}

// GetVariable resolves name in this scope, then walks up the parents.
func (vh *VariableHolder) GetVariable(name string) (Variable, bool) {
	if v, ok := vh.variables[name]; ok {
		return v, true
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(name)
	}
	return Variable{}, false
}

// SetVariable writes into the local scope. The boolean result reports
// whether the variable was created (true) or updated (false). Updates
// against an incompatible representation fail with TypeMismatchError and
// leave the scope untouched.
func (vh *VariableHolder) SetVariable(name string, value interface{}) (Variable, bool, error) {
	if vh.variables == nil {
		vh.variables = make(map[string]Variable)
	}
	existing, ok := vh.variables[name]
	if !ok {
		v := NewVariable(name, value)
		vh.variables[name] = v
		return v, true, nil
	}
	updated, err := existing.Retype(value)
	if err != nil {
		return Variable{}, false, err
	}
	vh.variables[name] = updated
	return updated, false, nil
}

// DeleteVariable removes name from the local scope, reporting whether it
// existed.
func (vh *VariableHolder) DeleteVariable(name string) (Variable, bool) {
	v, ok := vh.variables[name]
	if ok {
		delete(vh.variables, name)
	}
	return v, ok
}

// PropagateVariable writes a value into the parent scope, keeping the
// parent's declared type if the name already exists there.
func (vh *VariableHolder) PropagateVariable(name string, value interface{}) (Variable, bool, error) {
	if vh.parent == nil {
		return Variable{}, false, nil
	}
	return vh.parent.SetVariable(name, value)
}
