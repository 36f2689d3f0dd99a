package homeconnect

import (
	"context"
	"net/http"
)

// Program is an appliance program together with its options.
type Program struct {
	Key     string          `json:"key"`
	Name    string          `json:"name,omitempty"`
	Options []ProgramOption `json:"options,omitempty"`
}

// ProgramOption is a single program option such as a temperature or duration.
type ProgramOption struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// PowerState is a value of the BSH.Common.Setting.PowerState setting.
type PowerState string

const (
	PowerStateOn      PowerState = "BSH.Common.EnumType.PowerState.On"
	PowerStateOff     PowerState = "BSH.Common.EnumType.PowerState.Off"
	PowerStateStandby PowerState = "BSH.Common.EnumType.PowerState.Standby"
)

const powerStateSetting = "BSH.Common.Setting.PowerState"

type programEnvelope struct {
	Data Program `json:"data"`
}

type settingEnvelope struct {
	Data struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	} `json:"data"`
}

// SelectedProgram returns the program currently selected on the appliance.
func (c *Client) SelectedProgram(ctx context.Context, haID string) (*Program, error) {
	path, err := appliancePath(haID, "programs/selected")
	if err != nil {
		return nil, err
	}
	var env programEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// StartProgram starts p on the appliance.
func (c *Client) StartProgram(ctx context.Context, haID string, p Program) error {
	path, err := appliancePath(haID, "programs/active")
	if err != nil {
		return err
	}
	body := programEnvelope{Data: Program{Key: p.Key, Options: p.Options}}
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// StopActiveProgram stops the running program.
func (c *Client) StopActiveProgram(ctx context.Context, haID string) error {
	path, err := appliancePath(haID, "programs/active")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SetPowerState switches the appliance power state.
func (c *Client) SetPowerState(ctx context.Context, haID string, state PowerState) error {
	path, err := appliancePath(haID, "settings/"+powerStateSetting)
	if err != nil {
		return err
	}
	var body settingEnvelope
	body.Data.Key = powerStateSetting
	body.Data.Value = string(state)
	return c.do(ctx, http.MethodPut, path, body, nil)
}
