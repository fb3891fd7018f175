package main

// Switch drivers register themselves with the driver registry.
import (
	_ "github.com/newtron-network/metalnet/pkg/driver/brocade"
	_ "github.com/newtron-network/metalnet/pkg/driver/nexus"
	_ "github.com/newtron-network/metalnet/pkg/driver/powerconnect"
)
