// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrWorkflowNotFound = errors.New("workflow not found")
var ErrWorkflowDisabled = errors.New("workflow disabled")
var ErrRunNotFound = errors.New("run not found")
var ErrRunInProgress = errors.New("run already in progress for workflow")
var ErrConflict = errors.New("workflow version conflict")
var ErrInputChannelBusy = errors.New("input-action channel busy")
var ErrInvalidWorkflow = errors.New("invalid workflow")
