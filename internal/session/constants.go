package session

// eventQueueSize buffers outbound notifications; slow consumers miss
// events rather than stall the pipeline.
const eventQueueSize = 128
