package loadbalance

import (
	"math/rand"

	"github.com/bx-d/peer-rpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.PeerInstance) (*registry.PeerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重，未设置权重的实例按 1 计算
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weight(inst registry.PeerInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
