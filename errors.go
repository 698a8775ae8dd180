// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package bridge

import "fmt"

type EmptyRoutesError struct {
}

func (EmptyRoutesError) Error() string {
	return "no routes configured"
}

type InvalidRouteError struct {
}

func (InvalidRouteError) Error() string {
	return "invalid route"
}

// UnroutedTopicError is returned by PublishTopic for a topic with no outbound route.
type UnroutedTopicError struct {
	Topic string
}

func (e UnroutedTopicError) Error() string {
	return fmt.Sprintf("unrouted topic: %s", e.Topic)
}

type StoppedError struct {
}

func (StoppedError) Error() string {
	return "bridge stopped"
}

type NilDependencyError struct {
	Name string
}

func (e NilDependencyError) Error() string {
	return fmt.Sprintf("nil %s", e.Name)
}
