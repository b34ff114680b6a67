// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package lots

import (
	"context"

	"go.astrophena.name/autostars/cmd/autostars/internal/panel"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
)

// Callback data of the panel buttons.
const (
	DeactivateCallback = "deactivate_lots"
	ActivateCallback   = "activate_lots"
)

// Extension returns the operator panel buttons that run the controller.
func (c *Controller) Extension() panel.Extension {
	return panel.Extension{
		Rows: func() telegram.InlineKeyboard {
			return telegram.InlineKeyboard{{
				{Text: "🔴 Деактивировать лоты", CallbackData: DeactivateCallback},
				{Text: "🟢 Активировать лоты", CallbackData: ActivateCallback},
			}}
		},
		Actions: map[string]panel.Action{
			DeactivateCallback: func(ctx context.Context) (string, error) {
				rep, err := c.Deactivate(ctx)
				return rep.String(), err
			},
			ActivateCallback: func(ctx context.Context) (string, error) {
				rep, err := c.Activate(ctx)
				return rep.String(), err
			},
		},
	}
}
